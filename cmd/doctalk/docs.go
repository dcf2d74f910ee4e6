package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/doctalk/internal/app"
	"github.com/ent0n29/doctalk/internal/ingest"
	"github.com/ent0n29/doctalk/internal/tools"
)

// withApp runs fn against a fully wired process and releases it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, built *app.BuildResult) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	built, log, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = built.Cleanup()
		_ = log.Sync()
	}()
	return fn(ctx, built)
}

func requireUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return errors.New("--user is required")
	}
	return nil
}

func newIngestCmd() *cobra.Command {
	var (
		user string
		ocr  bool
		name string
	)
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Index a PDF for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			return withApp(cmd, func(ctx context.Context, built *app.BuildResult) error {
				res, err := built.Pipeline.Ingest(ctx, ingest.Document{UserID: user, Filename: name, Data: data, OCR: ocr})
				if err != nil {
					return errors.New(ingest.FailureNotice(name, err))
				}
				fmt.Fprintln(cmd.OutOrStdout(), ingest.SuccessNotice(name))
				fmt.Fprintf(cmd.OutOrStdout(), "method=%s chunks=%d took=%s\n", res.Method, res.Chunks, res.Duration)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id that owns the document")
	cmd.Flags().BoolVar(&ocr, "ocr", false, "prefer OCR over the PDF text layer")
	cmd.Flags().StringVar(&name, "name", "", "document name (default: file base name)")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "query TEXT",
		Short: "Ask a question against a user's documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			query := strings.Join(args, " ")
			return invokeTool(cmd, user, tools.QueryDocs, map[string]any{"query": query})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to search")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "delete FILENAME",
		Short: "Remove a document and its embeddings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			return invokeTool(cmd, user, tools.DeleteDocument, map[string]any{"filename": args[0]})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id that owns the document")
	return cmd
}

func invokeTool(cmd *cobra.Command, user, name string, args map[string]any) error {
	return withApp(cmd, func(ctx context.Context, built *app.BuildResult) error {
		res := built.Dispatcher.Invoke(ctx, tools.Call{ID: "cli", Name: name, Args: args}, user)
		if res.Failed() {
			return errors.New(res.Output)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Output)
		return nil
	})
}

func newListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's indexed documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, built *app.BuildResult) error {
				docs, err := built.Store.ListDocuments(ctx, user)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(docs)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to list")
	return cmd
}
