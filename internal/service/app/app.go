package app

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"pylon/internal/model"
	"pylon/internal/utils/log"
)

type (
	App struct {
		app     *tview.Application
		output  *tview.TextView
		code    *tview.TextView
		message *tview.InputField
		recv    *tview.InputField

		client *Client

		// code handed out by the server for the next send
		sendCode string
	}
)

func NewApp(client *Client) *App {
	return &App{
		app:    tview.NewApplication(),
		client: client,
	}
}

// Run renders the UI and blocks until the user quits.
func (c *App) Run() error {
	c.output = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.output.SetBorder(true).SetTitle(" Pylon ")

	c.code = tview.NewTextView().SetDynamicColors(true)
	c.code.SetBorder(true).SetTitle(" Code (Ctrl-G to generate) ")

	c.message = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.message.SetBorder(true).SetTitle(" Send ")
	c.message.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			c.send(c.message.GetText())
		}
	})

	c.recv = tview.NewInputField().
		SetLabel("Code: ").
		SetFieldWidth(0)
	c.recv.SetBorder(true).SetTitle(" Receive ")
	c.recv.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			c.receive(c.recv.GetText())
		}
	})

	sender := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.code, 3, 0, false).
		AddItem(c.message, 3, 0, true)

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.output, 0, 1, false).
		AddItem(tview.NewFlex().
			AddItem(sender, 0, 1, true).
			AddItem(c.recv, 0, 1, false), 6, 0, true)

	c.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlG:
			c.generate()
			return nil
		case tcell.KeyTab:
			if c.message.HasFocus() {
				c.app.SetFocus(c.recv)
			} else {
				c.app.SetFocus(c.message)
			}
			return nil
		}
		return event
	})

	return c.app.SetRoot(layout, true).SetFocus(c.message).Run()
}

func (c *App) generate() {
	c.printNow("[gray]requesting code...[-]")
	go func() {
		code, err := c.client.GenerateCode()
		if err != nil {
			log.Error("generate code failed", zap.Error(err))
			c.print("[red]generate code failed:[-] %v", tview.Escape(err.Error()))
			return
		}

		c.app.QueueUpdateDraw(func() {
			c.sendCode = code
			c.code.SetText(fmt.Sprintf("[yellow]%s[-]", code))
		})
		c.print("code [yellow]%s[-] ready, share it with the receiver", code)
	}()
}

func (c *App) send(msg string) {
	code := c.sendCode
	if code == "" {
		c.printNow("[red]generate a code first (Ctrl-G)[-]")
		return
	}
	if msg == "" {
		return
	}

	c.sendCode = ""
	c.message.SetText("")
	c.code.SetText("")
	c.printNow("[gray]waiting for receiver on %s...[-]", code)

	go func() {
		payload, err := c.client.Send(code, msg)
		if err != nil {
			log.Error("send failed", zap.Error(err))
			c.print("[red]send failed:[-] %v", tview.Escape(err.Error()))
			return
		}
		c.print("%s", sentLine(msg, payload))
	}()
}

func (c *App) receive(code string) {
	if code == "" {
		return
	}

	c.recv.SetText("")
	c.printNow("[gray]waiting for message on %s...[-]", tview.Escape(code))

	go func() {
		payload, err := c.client.Receive(code)
		if err != nil {
			log.Error("receive failed", zap.Error(err))
			c.print("[red]receive failed:[-] %v", tview.Escape(err.Error()))
			return
		}
		c.print("%s", receivedLine(code, payload))
	}()
}

// sentLine and receivedLine escape peer and user text, the log view has
// dynamic colors enabled.
func sentLine(msg string, payload *model.Payload) string {
	return fmt.Sprintf("[yellow]You:[-] %s [gray](%d chars, sha256 %.12s)[-]",
		tview.Escape(msg), deref(payload.Length), deref(payload.Checksum))
}

func receivedLine(code string, payload *model.Payload) string {
	return fmt.Sprintf("[green]%s:[-] %s", tview.Escape(code), tview.Escape(deref(payload.Message)))
}

// print is for background goroutines, printNow for event handlers.
func (c *App) print(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		c.printNow(format, args...)
	})
}

func (c *App) printNow(format string, args ...any) {
	fmt.Fprintf(c.output, format+"\n", args...)
	c.output.ScrollToEnd()
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}
