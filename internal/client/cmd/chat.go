package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/peer-talk/internal/config"
	"github.com/rudransh-shrivastava/peer-talk/internal/logger"
	"github.com/rudransh-shrivastava/peer-talk/internal/media"
	"github.com/rudransh-shrivastava/peer-talk/internal/node"
	"github.com/rudransh-shrivastava/peer-talk/internal/peer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/signal"
	"github.com/rudransh-shrivastava/peer-talk/internal/store"
	rtc "github.com/rudransh-shrivastava/peer-talk/internal/transport/webrtc"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

// session is the part of a node the chat prompt drives.
type session interface {
	CloseChannel(name string, kind protocol.ChannelKind) error
	MarkRead(name string) error
	OpenChannel(name string, kind protocol.ChannelKind) error
	PeerState(name string) (peer.State, map[protocol.ChannelKind]peer.State, error)
	ResendFile(name, fileID string) error
	SendFile(name, fileName string, data []byte) (string, error)
	SendRemoteInput(name string, data []byte) error
	SendText(name, text string) (*protocol.Envelope, error)
	StartMedia(name string, kind protocol.ChannelKind, wantRemote bool) error
	Transfers(name string) ([]store.TransferRecord, error)
}

func runChat(ctx context.Context, cfg *config.Config, remote string, in io.Reader, out io.Writer) error {
	log := logger.NewLogger(cfg.LogLevel)

	ctx, stop := ossignal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := signal.New(signal.ClientConfig{
		Logger: log,
		Name:   cfg.Name,
		URL:    cfg.RelayURL,
	})
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}

	n, err := node.New(node.Options{
		Capturer: media.NewSyntheticCapturer(),
		Config:   cfg,
		Factory:  rtc.NewFactory(rtc.Options{ICEServers: cfg.ICEServers}),
		Logger:   log,
		Name:     cfg.Name,
		Signal:   client,
	})
	if err != nil {
		return err
	}
	events, unsubscribe := n.Subscribe(256)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(ctx) })
	g.Go(func() error { return client.Run(ctx) })
	g.Go(func() error {
		newPrinter(out, outDir).run(ctx, events)
		return nil
	})

	// The prompt blocks on input, so it is not part of the group.
	go func() {
		defer cancel()
		prompt(ctx, n, remote, in, out)
	}()

	fmt.Fprintf(out, "Chatting with %s as %s. /help lists commands.\n", remote, cfg.Name)
	return g.Wait()
}

func prompt(ctx context.Context, s session, remote string, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		err := handleLine(s, remote, scanner.Text(), out)
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

const helpText = `commands:
  /file <path>      send a file
  /resend <id>      resend a failed file
  /transfers        list transfers
  /open <kind>      open a data channel (text, file, remoteInput)
  /close <kind>     close a channel
  /audio /video /screen
                    start media and ask the peer to send theirs
  /input <data>     send remote input
  /read             mark messages read
  /state            show connection state
  /quit             leave`

// handleLine runs one prompt line against s.
func handleLine(s session, remote, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.SendText(remote, line)
		return err
	}

	command, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "help":
		fmt.Fprintln(out, helpText)
	case "quit", "exit":
		return errQuit
	case "file":
		if arg == "" {
			return errors.New("usage: /file <path>")
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return err
		}
		id, err := s.SendFile(remote, arg, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued %s (%d bytes) as %s\n", filepath.Base(arg), len(data), id)
	case "resend":
		return s.ResendFile(remote, arg)
	case "transfers":
		records, err := s.Transfers(remote)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Fprintf(out, "%-8s %-36s %-20s %s\n", r.Direction, r.FileID, r.FileName, transferStatus(r))
		}
	case "open", "close":
		kind, ok := protocol.ParseChannelKind(arg)
		if !ok {
			return fmt.Errorf("unknown channel kind %q", arg)
		}
		if command == "open" {
			return s.OpenChannel(remote, kind)
		}
		return s.CloseChannel(remote, kind)
	case "audio", "video", "screen":
		return s.StartMedia(remote, protocol.ChannelKind(command), true)
	case "input":
		return s.SendRemoteInput(remote, []byte(arg))
	case "read":
		return s.MarkRead(remote)
	case "state":
		state, channels, err := s.PeerState(remote)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", remote, state)
		for kind, st := range channels {
			fmt.Fprintf(out, "  %-12s %s\n", kind, st)
		}
	default:
		return fmt.Errorf("unknown command /%s", command)
	}
	return nil
}

func transferStatus(r store.TransferRecord) string {
	switch {
	case r.IsComplete:
		return "complete"
	case r.Error && r.IsResendEnable:
		return "failed (resendable)"
	case r.Error:
		return "failed"
	default:
		return fmt.Sprintf("%d/%d", r.FragmentOffset, r.FragmentCount)
	}
}

// printer renders node events, with one progress bar per transfer.
type printer struct {
	bars map[string]*progressbar.ProgressBar
	dir  string
	out  io.Writer
}

func newPrinter(out io.Writer, dir string) *printer {
	return &printer{
		bars: make(map[string]*progressbar.ProgressBar),
		dir:  dir,
		out:  out,
	}
}

func (p *printer) run(ctx context.Context, events <-chan node.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.print(ev)
		}
	}
}

func (p *printer) print(ev node.Event) {
	switch e := ev.(type) {
	case node.MessageReceived:
		fmt.Fprintf(p.out, "[%s] %s: %s\n", e.Message.SentAt.Local().Format(time.Kitchen), e.Peer, e.Message.Text)
	case node.MessageAcked:
		fmt.Fprintf(p.out, "  delivered %s\n", e.ID)
	case node.ChannelOpened:
		fmt.Fprintf(p.out, "* %s channel open with %s\n", e.Kind, e.Peer)
	case node.ChannelClosed:
		fmt.Fprintf(p.out, "* %s channel closed with %s\n", e.Kind, e.Peer)
	case node.ConnectionStateChanged:
		fmt.Fprintf(p.out, "* %s is %s\n", e.Peer, e.State)
	case node.PeerDisconnected:
		fmt.Fprintf(p.out, "* %s disconnected\n", e.Peer)
	case node.UnableToConnect:
		if e.Kind != "" {
			fmt.Fprintf(p.out, "* unable to start %s with %s\n", e.Kind, e.Peer)
		} else {
			fmt.Fprintf(p.out, "* unable to connect to %s\n", e.Peer)
		}
	case node.NegotiationFailed:
		fmt.Fprintf(p.out, "* negotiation with %s failed: %v\n", e.Peer, e.Err)
	case node.PeerError:
		fmt.Fprintf(p.out, "* %s: %s\n", e.Peer, e.Message)
	case node.RemoteInputReceived:
		fmt.Fprintf(p.out, "* input from %s: %s\n", e.Peer, e.Data)
	case node.RemoteTrack:
		fmt.Fprintf(p.out, "* receiving %s from %s\n", e.Kind, e.Peer)
	case node.TransferProgress:
		p.progress(e)
	case node.TransferCompleted:
		p.completed(e)
	case node.FileShareError:
		p.finishBar(e.FileID)
		fmt.Fprintf(p.out, "* %s failed: %v (use /resend %s)\n", e.FileName, e.Err, e.FileID)
	}
}

func (p *printer) progress(e node.TransferProgress) {
	bar, ok := p.bars[e.FileID]
	if !ok {
		verb := "sending"
		if e.Direction == store.Received {
			verb = "receiving"
		}
		bar = progressbar.NewOptions(max(e.Total, 1),
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", verb, e.FileName)),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		p.bars[e.FileID] = bar
	}
	_ = bar.Set(min(e.Offset, max(e.Total, 1)))
}

func (p *printer) finishBar(fileID string) {
	if bar, ok := p.bars[fileID]; ok {
		_ = bar.Finish()
		delete(p.bars, fileID)
	}
}

func (p *printer) completed(e node.TransferCompleted) {
	p.finishBar(e.FileID)
	if e.Direction == store.Sent {
		fmt.Fprintf(p.out, "* sent %s\n", e.FileName)
		return
	}

	path := filepath.Join(p.dir, filepath.Base(e.FileName))
	if err := os.WriteFile(path, e.Data, 0o644); err != nil {
		fmt.Fprintf(p.out, "* received %s but could not save it: %v\n", e.FileName, err)
		return
	}
	fmt.Fprintf(p.out, "* received %s (%d bytes) -> %s\n", e.FileName, len(e.Data), path)
}
