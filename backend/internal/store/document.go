package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Kind 三种目录类型共用一个 id 命名空间，各自一张表
type Kind string

const (
	KindWorkspace Kind = "workspace"
	KindFolder    Kind = "folder"
	KindFile      Kind = "file"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrDocumentExists = errors.New("document already exists")
	ErrInvalidRef     = errors.New("invalid document reference")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindWorkspace, KindFolder, KindFile:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, s)
}

// table 是该类型对应的表名
func (k Kind) table() string {
	switch k {
	case KindWorkspace:
		return "workspaces"
	case KindFolder:
		return "folders"
	default:
		return "files"
	}
}

type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) Validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if !idPattern.MatchString(r.ID) {
		return fmt.Errorf("%w: malformed id %q", ErrInvalidRef, r.ID)
	}
	return nil
}

func (r Ref) String() string { return string(r.Kind) + "/" + r.ID }

type Document struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	IconID      string    `json:"iconId"`
	Data        string    `json:"data"` // 组件 getContents() 的 JSON
	BannerURL   string    `json:"bannerUrl"`
	InTrash     string    `json:"inTrash"`
	WorkspaceID string    `json:"workspaceId"`
	FolderID    string    `json:"folderId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (d *Document) Ref() Ref { return Ref{Kind: d.Kind, ID: d.ID} }

// Patch 只更新非 nil 字段
type Patch struct {
	Title     *string `json:"title,omitempty"`
	IconID    *string `json:"iconId,omitempty"`
	Data      *string `json:"data,omitempty"`
	BannerURL *string `json:"bannerUrl,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.IconID == nil && p.Data == nil && p.BannerURL == nil
}

// columns 把 patch 转成 列名→值
func (p Patch) columns() map[string]any {
	cols := make(map[string]any, 4)
	if p.Title != nil {
		cols["title"] = *p.Title
	}
	if p.IconID != nil {
		cols["icon_id"] = *p.IconID
	}
	if p.Data != nil {
		cols["data"] = *p.Data
	}
	if p.BannerURL != nil {
		cols["banner_url"] = *p.BannerURL
	}
	return cols
}

func (p Patch) applyTo(d *Document) {
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.IconID != nil {
		d.IconID = *p.IconID
	}
	if p.Data != nil {
		d.Data = *p.Data
	}
	if p.BannerURL != nil {
		d.BannerURL = *p.BannerURL
	}
}

// DocumentStore 是同步引擎用到的存储协作方：按 id 取快照、按字段部分更新，二者都幂等
type DocumentStore interface {
	FetchDocument(ctx context.Context, ref Ref) (*Document, error)
	// WriteDocument 后写覆盖先写，没有版本号
	WriteDocument(ctx context.Context, ref Ref, patch Patch) error
	CreateDocument(ctx context.Context, doc *Document) error
}
