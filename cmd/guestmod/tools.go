package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/guestbook-social/guestbook/moderation"

	"github.com/brianvoe/gofakeit/v6"
	cli "github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"
)

var statesCmd = &cli.Command{
	Name:  "states",
	Usage: "print the comment moderation state machine",
	Action: func(cctx *cli.Context) error {
		fmt.Println(machineTree(moderation.DefaultMachine).String())
		return nil
	},
}

func machineTree(m *moderation.Machine) treeprint.Tree {
	tree := treeprint.NewWithRoot("comment states")
	for _, st := range moderation.AllStates {
		label := string(st)
		if moderation.IsTerminal(st) {
			label += " (terminal)"
		}
		branch := tree.AddBranch(label)
		for _, t := range m.Enabled(st) {
			to, err := m.Apply(st, t)
			if err != nil {
				continue
			}
			branch.AddNode(fmt.Sprintf("%s -> %s", t, to))
		}
	}
	return tree
}

var fakeCommentsCmd = &cli.Command{
	Name:  "fake-comments",
	Usage: "submit randomly generated comments, for exercising a dev or staging daemon",
	Flags: []cli.Flag{
		hostFlag,
		&cli.IntFlag{
			Name:  "count",
			Usage: "number of comments to submit",
			Value: 10,
		},
	},
	Action: func(cctx *cli.Context) error {
		ac := newAPIClient(cctx)
		for i := 0; i < cctx.Int("count"); i++ {
			req := fakeComment()
			var out CommentView
			if err := ac.do(cctx.Context, http.MethodPost, "/api/comments", req, &out); err != nil {
				return err
			}
			fmt.Printf("comment=%d item=%s author=%q\n", out.ID, out.Item, out.Author)
		}
		return nil
	},
}

func fakeComment() SubmitCommentRequest {
	item := fmt.Sprintf("%s-%d", strings.ToLower(strings.ReplaceAll(gofakeit.City(), " ", "-")), gofakeit.Number(2015, 2025))
	return SubmitCommentRequest{
		Item:      item,
		Author:    gofakeit.Name(),
		Email:     gofakeit.Email(),
		Text:      gofakeit.Sentence(12),
		Permalink: "https://guestbook.example.com/conference/" + item,
	}
}
