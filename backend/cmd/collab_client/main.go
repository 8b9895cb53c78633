package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"collabsync/backend/config"
	"collabsync/backend/internal/client"
	"collabsync/backend/internal/editor"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/store"
)

func init() {
	pflag.String("server", "", "collab server base url, e.g. http://localhost:8080")
	pflag.String("token", "", "bearer access token")
	pflag.String("secret", "", "dev only: sign a token locally with the server jwt secret")
	pflag.Uint64("user-id", 0, "own user id (must match the token)")
	pflag.String("user-name", "", "display name shown to collaborators")
	pflag.String("kind", "", "document kind: workspace / folder / file")
	pflag.String("doc", "", "document id")
	pflag.String("workspace", "", "workspace id used as redirect target")
	pflag.Duration("save-delay", 0, "quiet period before saving")
	pflag.Bool("flush", false, "save pending edits on exit instead of dropping them")
}

// wsURL 把 http(s)://host 换成 ws(s)://host/collab/ws
func wsURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += "/collab/ws"
	return u.String(), nil
}

func main() {
	pflag.Parse()
	cfg, err := config.LoadClient(pflag.CommandLine)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	kind, err := store.ParseKind(cfg.Document.Kind)
	if err != nil {
		log.Fatalf("bad --kind: %v", err)
	}
	ref := store.Ref{Kind: kind, ID: cfg.Document.ID}
	if err := ref.Validate(); err != nil {
		log.Fatalf("bad --doc: %v", err)
	}

	token := cfg.Auth.Token
	if token == "" && cfg.Auth.JWTSecret != "" {
		token, _, err = middleware.SignAccessToken([]byte(cfg.Auth.JWTSecret), cfg.User.ID, cfg.User.Name, 12*time.Hour)
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
	}
	if token == "" {
		log.Fatalf("--token or --secret is required")
	}

	endpoint, err := wsURL(cfg.Server.URL)
	if err != nil {
		log.Fatalf("bad --server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 连接跟登录态绑定：拿到 token 才连，退出时断开
	conn := client.NewConnection(endpoint, client.ConnectionOptions{Token: token})
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = conn.Connect(connectCtx)
	cancel()
	if err != nil {
		log.Fatalf("connect %s: %v", endpoint, err)
	}
	defer conn.Disconnect()

	widget := editor.NewTextWidget()
	widget.OnChange(func(_, _ delta.Delta, source editor.Source) {
		if source != editor.SourceUser {
			fmt.Printf("[doc] %q\n", widget.Text())
		}
	})

	self := strconv.FormatUint(cfg.User.ID, 10)
	session := client.NewSession(client.SessionConfig{
		Ref:            ref,
		WorkspaceID:    cfg.Document.WorkspaceID,
		Self:           protocol.PresenceRecord{UserID: self, DisplayName: cfg.User.Name, ColorSeed: self},
		SaveDelay:      cfg.Session.SaveDelay,
		FlushOnUnmount: cfg.Session.FlushOnUnmount,
	}, conn, client.NewHTTPStore(strings.TrimRight(cfg.Server.URL, "/")+"/collab", token, 5*time.Second), widget)

	if err := session.Mount(ctx); err != nil {
		if errors.Is(err, client.ErrRedirected) {
			log.Printf("document %s is not available", ref)
			return
		}
		log.Fatalf("mount: %v", err)
	}
	defer session.Unmount()
	fmt.Printf("editing %s, type text to append; /who /text /select <index> <length> /quit\n", ref)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return
			}
			handleLine(session, widget, line)
		}
	}
}

func handleLine(session *client.Session, widget *editor.TextWidget, line string) {
	switch {
	case line == "/who":
		for _, r := range session.Collaborators() {
			fmt.Printf("  %s (%s) %s\n", r.DisplayName, r.UserID, client.CursorColor(r.ColorSeed))
		}
	case line == "/text":
		fmt.Printf("%q state=%s saving=%v\n", widget.Text(), session.State(), session.Saving())
	case strings.HasPrefix(line, "/select "):
		var index, length int
		if _, err := fmt.Sscanf(line, "/select %d %d", &index, &length); err != nil {
			fmt.Println("usage: /select <index> <length>")
			return
		}
		widget.Select(index, length)
	default:
		// 追加到末尾换行之前
		if err := widget.Insert(widget.Length()-1, line+"\n"); err != nil {
			log.Printf("insert: %v", err)
		}
	}
}
