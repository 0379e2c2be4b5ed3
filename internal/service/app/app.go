package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"e2e_relay/internal/config"
	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/packet"
	"e2e_relay/internal/session"
	"e2e_relay/internal/utils/log"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		cfg  config.ClientConfig
		conn net.Conn
		sess *session.Session

		packets chan *packet.Packet
		lines   chan string
	}
)

func NewApp(cfg config.ClientConfig) *App {
	return &App{
		app:     tview.NewApplication(),
		cfg:     cfg,
		packets: make(chan *packet.Packet, 64),
		lines:   make(chan string, 16),
	}
}

// Run connects to the relay and blocks in the terminal UI until the user
// quits or ctx is cancelled.
func (c *App) Run(ctx context.Context) error {
	sess, err := session.New()
	if err != nil {
		return err
	}
	c.sess = sess

	c.conn, err = c.dialRelay(ctx)
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer c.conn.Close()

	client := NewClient(sess, c.conn, c.printf)
	if c.cfg.HTTPAddr != "" {
		client.info = func(ctx context.Context, id uint32) (*model.Chat, error) {
			return chatInfo(ctx, c.cfg.HTTPAddr, id)
		}
	}
	if err := client.write(sess.Announce()); err != nil {
		return fmt.Errorf("announce key: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	layout := c.buildUI()
	done := make(chan struct{})
	go c.listen(done)
	go func() {
		defer close(done)
		c.loop(ctx, client)
	}()

	// blocking
	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) Stop() {
	c.app.Stop()
}

// loop is the only goroutine touching the session.
func (c *App) loop(ctx context.Context, client *Client) {
	defer c.sess.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-c.packets:
			if !ok {
				c.printf("[red]disconnected from relay[-]")
				return
			}
			client.HandlePacket(p)
		case line := <-c.lines:
			if client.HandleLine(ctx, line) {
				c.app.Stop()
				return
			}
		}
	}
}

// listen feeds relay packets to loop until the connection ends or done is
// closed.
func (c *App) listen(done <-chan struct{}) {
	defer close(c.packets)
	for {
		p, err := packet.ReadPacket(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("relay read failed", zap.Error(err))
			}
			return
		}
		select {
		case c.packets <- p:
		case <-done:
			return
		}
	}
}

func (c *App) printf(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format+"\n", args...)
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) buildUI() tview.Primitive {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" e2e relay %s ", c.cfg.ServerAddr))
	fmt.Fprintln(c.chatbox, "[gray]type /help for commands[-]")

	c.input = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")
		select {
		case c.lines <- text:
		default:
			fmt.Fprintln(c.chatbox, "[red]busy, try again[-]")
		}
	})

	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)
}
