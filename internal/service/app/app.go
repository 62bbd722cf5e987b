package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"passkey_relay/internal/model"
	"passkey_relay/internal/utils/log"
)

var ErrEmptyCommand = errors.New("empty command")

type (
	// App is the dapp console: it opens a session with the wallet relay and
	// sends one action per line typed at the prompt.
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		session *Session
		client  *Client
		host    string
	}
)

func NewApp(session *Session, host string) *App {
	return &App{
		app:     tview.NewApplication(),
		session: session,
		host:    host,
	}
}

func (c *App) Run(ctx context.Context) error {
	sender, err := c.session.Sender()
	if err != nil {
		return err
	}

	c.client, err = Dial(ctx, c.host, sender)
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}

	hs, err := c.session.HandshakeEnvelope()
	if err != nil {
		return err
	}
	if err := c.client.Send(hs); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	go c.listenOnRelay()
	return c.renderUI()
}

func (c *App) Stop() {
	c.app.Stop()
	if c.client != nil {
		c.client.Close()
	}
}

// blocking function
func (c *App) renderUI() error {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Wallet relay %s ", c.host))

	c.input = tview.NewInputField().
		SetLabel("Action: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" method param... ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}

		go func(line string) {
			if err := c.SendAction(line); err != nil {
				c.print("[red]error:[-] %s", tview.Escape(err.Error()))
			}
		}(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) listenOnRelay() {
	for {
		env, err := c.client.Receive()
		if IsRelayError(err) {
			c.print("[red]relay:[-] %s", tview.Escape(err.Error()))
			continue
		}
		if err != nil {
			log.Debug("relay socket closed", zap.Error(err))
			c.print("[red]disconnected[-]")
			return
		}

		resp, err := c.session.OpenReply(env)
		if err != nil {
			log.Error("open reply failed", zap.Error(err))
			c.print("[red]error:[-] %s", tview.Escape(err.Error()))
			continue
		}
		c.print("%s", tview.Escape(Describe(resp)))
		if c.session.Account() != "" {
			c.app.QueueUpdateDraw(func() {
				c.chatbox.SetTitle(fmt.Sprintf(" %s @ %s ", c.session.Account(), c.host))
			})
		}
	}
}

func (c *App) SendAction(line string) error {
	method, params, err := ParseCommand(line)
	if err != nil {
		return err
	}

	env, err := c.session.ActionEnvelope(method, params)
	if err != nil {
		return err
	}
	if err := c.client.Send(env); err != nil {
		return err
	}

	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, "[yellow]>[-] %s\n", tview.Escape(line))
		c.input.SetText("")
		c.chatbox.ScrollToEnd()
	})
	return nil
}

func (c *App) print(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format+"\n", args...)
		c.chatbox.ScrollToEnd()
	})
}

// ParseCommand splits "method p1 p2" into a method and params. A param that
// parses as JSON is sent decoded, anything else as a plain string.
func ParseCommand(line string) (string, []any, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, ErrEmptyCommand
	}

	params := make([]any, 0, len(fields)-1)
	for _, f := range fields[1:] {
		var v any
		if err := json.Unmarshal([]byte(f), &v); err == nil {
			params = append(params, v)
			continue
		}
		params = append(params, f)
	}
	return fields[0], params, nil
}

func Describe(resp *model.RPCResponse) string {
	if resp.Result == nil {
		return "error: " + resp.ErrorMessage
	}
	data, err := json.Marshal(resp.Result.Value)
	if err != nil {
		return fmt.Sprintf("%v", resp.Result.Value)
	}
	return string(data)
}
