// Command chatdemo is a terminal front end for the chat engine. It
// drives the same session, transport and state machinery the embedded
// widget uses, against any backend speaking the chat API.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/embedkit/chatwidget/internal/config"
	"github.com/embedkit/chatwidget/internal/domain"
	"github.com/embedkit/chatwidget/internal/repository"
	"github.com/embedkit/chatwidget/internal/session"
	"github.com/embedkit/chatwidget/internal/transport"
	"github.com/embedkit/chatwidget/internal/widget"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	baseURL    = flag.String("base-url", "", "Backend base URL (overrides config)")
	rawStream  = flag.Bool("raw", false, "Use raw chunk framing instead of SSE")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *baseURL != "" {
		cfg.Widget.BaseURL = *baseURL
	}
	if err := cfg.Widget.Validate(); err != nil {
		log.Fatalf("Invalid widget config: %v", err)
	}

	logger := zap.NewNop()
	if cfg.Widget.Debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
		defer logger.Sync()
	}

	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	machine := widget.NewMachine(widget.Options{
		Store:         repository.NewPreferencesRepository(db),
		RememberState: true,
		Logger:        logger,
		OnChange: func(state domain.WidgetState) {
			fmt.Printf("[widget: %s]\n", state)
		},
	})
	defer machine.Close()

	framing := transport.FramingSSE
	if *rawStream {
		framing = transport.FramingRaw
	}
	client := transport.NewClient(transport.Options{
		BaseURL:    cfg.Widget.BaseURL,
		APIKey:     cfg.Widget.APIKey,
		Framing:    framing,
		Timeout:    cfg.Widget.Timeout(),
		MaxRetries: cfg.Widget.MaxRetries,
		Logger:     logger,
	})

	printer := newPrinter()
	sess := session.New(client, session.Options{
		MaxRetries: cfg.Widget.MaxRetries,
		OnUpdate:   printer.onUpdate,
		Logger:     logger,
	})
	defer sess.Close()

	fmt.Println("chatdemo: type a message, or /help for commands")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runCommand(line, sess, machine); quit {
				return
			}
			continue
		}
		printer.expectReply()
		sess.SendMessage(line)
		printer.waitReply()
		if errMsg := sess.LastError(); errMsg != "" {
			fmt.Printf("[error: %s]\n", errMsg)
		}
	}
}

func runCommand(line string, sess *session.Session, machine *widget.Machine) bool {
	switch line {
	case "/help":
		fmt.Println("/cancel /retry /clear /fullscreen /minimize /restore /state /quit")
	case "/cancel":
		sess.Cancel()
	case "/retry":
		sess.ClearError()
		sess.Retry()
	case "/clear":
		sess.ClearMessages()
		fmt.Println("[conversation cleared]")
	case "/fullscreen":
		machine.ToggleFullscreen()
	case "/minimize":
		machine.Minimize()
	case "/restore":
		machine.Restore()
	case "/state":
		fmt.Printf("[widget: %s]\n", machine.State())
	case "/quit":
		return true
	default:
		fmt.Printf("unknown command %q\n", line)
	}
	return false
}

// printer renders streaming snapshots as incremental terminal output
type printer struct {
	mu      sync.Mutex
	printed int
	target  string
	done    chan struct{}
}

func newPrinter() *printer {
	return &printer{done: make(chan struct{})}
}

func (p *printer) expectReply() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = 0
	p.target = ""
	p.done = make(chan struct{})
}

func (p *printer) waitReply() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	<-done
}

func (p *printer) onUpdate(messages []domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.Role != domain.RoleAssistant {
		return
	}
	if p.target == "" {
		p.target = last.ID
	}
	if last.ID != p.target {
		return
	}
	if len(last.Content) > p.printed {
		fmt.Print(last.Content[p.printed:])
		p.printed = len(last.Content)
	}
	if last.Status == domain.StatusRetrying {
		fmt.Printf("\n[retrying, attempt %d]\n", last.RetryCount)
		p.printed = 0
	}
	if last.Status.Terminal() {
		fmt.Println()
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
}
