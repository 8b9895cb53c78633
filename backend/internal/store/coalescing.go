package store

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Coalescing 把同一文档的并发读合并成一次后端调用（断线重连时大家会同时重新拉快照）
type Coalescing struct {
	next DocumentStore
	g    singleflight.Group
}

func NewCoalescing(next DocumentStore) *Coalescing {
	return &Coalescing{next: next}
}

func (c *Coalescing) FetchDocument(ctx context.Context, ref Ref) (*Document, error) {
	v, err, _ := c.g.Do(ref.String(), func() (any, error) {
		return c.next.FetchDocument(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	// 每个调用方拿自己的副本
	doc := *v.(*Document)
	return &doc, nil
}

func (c *Coalescing) WriteDocument(ctx context.Context, ref Ref, patch Patch) error {
	err := c.next.WriteDocument(ctx, ref, patch)
	// 写完之后的读不能复用写之前发起的请求
	c.g.Forget(ref.String())
	return err
}

func (c *Coalescing) CreateDocument(ctx context.Context, doc *Document) error {
	err := c.next.CreateDocument(ctx, doc)
	c.g.Forget(doc.Ref().String())
	return err
}
