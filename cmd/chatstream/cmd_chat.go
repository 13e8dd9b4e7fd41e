package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatstream/internal/transport"
	"github.com/user/chatstream/internal/types"
	"github.com/user/chatstream/internal/vision"
)

var chatOpts struct {
	url       string
	partition string
	chatType  string
	images    []string
	search    bool
	verbose   bool
}

func init() {
	rootCmd.AddCommand(chatCmd)
	f := chatCmd.Flags()
	f.StringVar(&chatOpts.url, "url", "", "websocket base URL (default derived from http.listen)")
	f.StringVarP(&chatOpts.partition, "partition", "p", "default", "partition hint")
	f.StringVarP(&chatOpts.chatType, "type", "t", string(types.ChatText), "chat type (text, text_image)")
	f.StringSliceVarP(&chatOpts.images, "image", "i", nil, "image file to attach (repeatable)")
	f.BoolVar(&chatOpts.search, "search", false, "allow internet search")
	f.BoolVarP(&chatOpts.verbose, "verbose", "v", false, "print status, reference and metrics events")
}

var chatCmd = &cobra.Command{
	Use:   "chat [query]",
	Short: "Chat with a running daemon over the WebSocket transport",
	Long: `Send a query to a running daemon and stream the reply.

Without a query argument, each line read from stdin is sent as its own
session over one connection. Ctrl-C cancels the reply in progress.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func chatURL() string {
	base := chatOpts.url
	if base == "" {
		cfg := loadConfig()
		host := cfg.HTTP.Listen
		if strings.HasPrefix(host, ":") {
			host = "127.0.0.1" + host
		}
		base = "ws://" + host
	}
	return strings.TrimRight(base, "/") + "/ws/chat/" + string(types.NewClientID())
}

func loadImages(paths []string) ([]types.ImageData, error) {
	var out []types.ImageData
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		mime := http.DetectContentType(data)
		if !strings.HasPrefix(mime, "image/") {
			return nil, fmt.Errorf("%s: not an image (%s)", p, mime)
		}
		out = append(out, types.ImageData{Data: vision.EncodeDataURL(mime, data)})
	}
	return out, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	images, err := loadImages(chatOpts.images)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	client, err := transport.Dial(ctx, chatURL())
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	ask := func(query string) error {
		req := types.ChatRequest{
			Query:          query,
			PartitionHint:  chatOpts.partition,
			ChatType:       types.ChatType(chatOpts.chatType),
			Images:         images,
			InternetSearch: chatOpts.search,
		}
		return converse(client, req, cmd.OutOrStdout(), cmd.ErrOrStderr(), interrupts)
	}

	if len(args) == 1 {
		return ask(args[0])
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(cmd.ErrOrStderr(), "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := ask(line); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		}
	}
}

// converse runs one session and prints its events until end.
func converse(client *transport.Client, req types.ChatRequest, out, errOut io.Writer, interrupts <-chan os.Signal) error {
	id := types.SessionID("cli_" + string(types.NewClientID())[:8])
	if err := client.Chat(id, req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	frames := make(chan transport.Frame)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			f, err := client.Next()
			if err != nil {
				readErr <- err
				return
			}
			frames <- f
			if f.SessionID == id && f.Type == types.EventEnd {
				return
			}
		}
	}()

	var failure error
	for {
		select {
		case <-interrupts:
			client.Cancel(id)
		case f, ok := <-frames:
			if !ok {
				return fmt.Errorf("connection lost: %w", <-readErr)
			}
			if f.SessionID != id {
				continue
			}
			switch d := f.Data.(type) {
			case types.TextData:
				fmt.Fprint(out, d.Content)
			case types.StatusData:
				if chatOpts.verbose {
					fmt.Fprintf(errOut, "[%s] %s\n", d.Stage, d.Message)
				}
			case types.ImageAnalysisData:
				for _, r := range d.Analysis {
					fmt.Fprintf(errOut, "[image %d] %s\n", r.ImageIndex+1, r.Description)
				}
			case types.ReferenceData:
				if chatOpts.verbose {
					for _, m := range d.Memories {
						fmt.Fprintf(errOut, "[ref %d] %s\n", m.ReferenceNumber, m.MemoryID)
					}
				}
			case types.MetricsData:
				if chatOpts.verbose {
					fmt.Fprintf(errOut, "[metrics] %dms, %d tokens\n", d.ProcessingTimeMs, d.TokensGenerated)
				}
			case types.ErrorData:
				failure = fmt.Errorf("%s: %s", d.ErrorCode, d.Message)
			case types.EndData:
				fmt.Fprintln(out)
				return failure
			}
		}
	}
}
