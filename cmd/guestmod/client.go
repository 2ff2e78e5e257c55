package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/guestbook-social/guestbook/queue"
	"github.com/guestbook-social/guestbook/util"

	cli "github.com/urfave/cli/v2"
)

var hostFlag = &cli.StringFlag{
	Name:    "host",
	Usage:   "base URL of a running guestmod daemon",
	Value:   "http://localhost:3999",
	EnvVars: []string{"GUESTMOD_HOST"},
}

// Minimal client for the daemon's JSON API.
type apiClient struct {
	host       string
	adminToken string
	client     *http.Client
}

func newAPIClient(cctx *cli.Context) *apiClient {
	return &apiClient{
		host:       strings.TrimSuffix(cctx.String("host"), "/"),
		adminToken: cctx.String("admin-token"),
		client:     util.RobustHTTPClient(),
	}
}

func (ac *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, ac.host+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ac.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+ac.adminToken)
	}

	resp, err := ac.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var status GenericStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err == nil && status.Message != "" {
			return fmt.Errorf("%s %s: status=%d: %s", method, path, resp.StatusCode, status.Message)
		}
		return fmt.Errorf("%s %s: status=%d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

var submitCmd = &cli.Command{
	Name:      "submit",
	Usage:     "submit a comment for moderation",
	ArgsUsage: `<item> <author> <email> <text>`,
	Flags: []cli.Flag{
		hostFlag,
		&cli.StringFlag{
			Name:  "photo",
			Usage: "path to a photo to attach",
		},
		&cli.StringFlag{
			Name:  "permalink",
			Usage: "URL of the page the comment is posted on",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 4 {
			return fmt.Errorf("expected item, author, email and text arguments")
		}
		req := SubmitCommentRequest{
			Item:      cctx.Args().Get(0),
			Author:    cctx.Args().Get(1),
			Email:     cctx.Args().Get(2),
			Text:      cctx.Args().Get(3),
			Permalink: cctx.String("permalink"),
		}
		if p := cctx.String("photo"); p != "" {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			req.Photo = data
			req.PhotoName = filepath.Base(p)
		}
		var out CommentView
		if err := newAPIClient(cctx).do(cctx.Context, http.MethodPost, "/api/comments", req, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var showCmd = &cli.Command{
	Name:      "show",
	Usage:     "show the current state of a comment",
	ArgsUsage: `<comment-id>`,
	Flags:     []cli.Flag{hostFlag},
	Action: func(cctx *cli.Context) error {
		id := cctx.Args().First()
		if id == "" {
			return fmt.Errorf("need to provide comment id as an argument")
		}
		var out CommentView
		if err := newAPIClient(cctx).do(cctx.Context, http.MethodGet, "/admin/comments/"+id, nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var reviewCmd = &cli.Command{
	Name:      "review",
	Usage:     "publish a comment awaiting moderator review",
	ArgsUsage: `<comment-id>`,
	Flags:     []cli.Flag{hostFlag},
	Action: func(cctx *cli.Context) error {
		id := cctx.Args().First()
		if id == "" {
			return fmt.Errorf("need to provide comment id as an argument")
		}
		var out CommentView
		if err := newAPIClient(cctx).do(cctx.Context, http.MethodPost, "/admin/comments/"+id+"/review", nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var deadLettersCmd = &cli.Command{
	Name:  "dead-letters",
	Usage: "list moderation messages which exhausted their retries",
	Flags: []cli.Flag{
		hostFlag,
		&cli.BoolFlag{
			Name:  "requeue",
			Usage: "move all dead letters back onto the queue",
		},
	},
	Action: func(cctx *cli.Context) error {
		ac := newAPIClient(cctx)
		if cctx.Bool("requeue") {
			var out RequeueResult
			if err := ac.do(cctx.Context, http.MethodPost, "/admin/dead-letters/requeue", nil, &out); err != nil {
				return err
			}
			fmt.Printf("requeued %d messages\n", out.Requeued)
			return nil
		}
		var out []queue.DeadLetter
		if err := ac.do(cctx.Context, http.MethodGet, "/admin/dead-letters", nil, &out); err != nil {
			return err
		}
		for _, dl := range out {
			fmt.Printf("comment=%d attempts=%d hops=%d err=%s\n", dl.Message.CommentID, dl.Attempts, dl.Message.Hops, dl.Error)
		}
		return nil
	},
}

var redriveCmd = &cli.Command{
	Name:  "redrive",
	Usage: "re-enqueue every comment the moderation pipeline has not finished with",
	Flags: []cli.Flag{hostFlag},
	Action: func(cctx *cli.Context) error {
		var out RequeueResult
		if err := newAPIClient(cctx).do(cctx.Context, http.MethodPost, "/admin/redrive", nil, &out); err != nil {
			return err
		}
		fmt.Printf("redrove %d comments\n", out.Requeued)
		return nil
	},
}
