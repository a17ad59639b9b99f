package notify

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// Action is one button on a notification.
type Action struct {
	ID    string `json:"action"`
	Title string `json:"title"`
}

// Notification is the user-visible result of a push message. The
// icon, badge and actions are fixed; only title and body come from
// the message.
type Notification struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Icon       string    `json:"icon"`
	Badge      string    `json:"badge"`
	Actions    []Action  `json:"actions"`
	ClickURL   string    `json:"click_url"`
	ReceivedAt time.Time `json:"received_at"`
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Opts struct {
	// Icon and Badge are asset paths stamped on every notification.
	Icon  string
	Badge string

	// ClickURL is opened by the view action and the default click.
	// Default "/".
	ClickURL string

	Logger *zap.Logger
}

func (opts *Opts) Init() {
	if len(opts.Icon) == 0 {
		opts.Icon = "/icons/icon-192.png"
	}
	if len(opts.Badge) == 0 {
		opts.Badge = "/icons/badge-72.png"
	}
	if len(opts.ClickURL) == 0 {
		opts.ClickURL = "/"
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Notifier maps push messages to notifications and fans them out to
// subscribers. Delivery is direct and unbuffered, no queue and no
// dedup; a subscriber that cannot keep up loses the message.
type Notifier struct {
	opts Opts

	mu   sync.Mutex
	subs map[chan Notification]struct{}
}

func NewNotifier(opts Opts) *Notifier {
	opts.Init()
	return &Notifier{
		opts: opts,
		subs: make(map[chan Notification]struct{}),
	}
}

// HandlePush converts a push payload to a notification and delivers
// it. A payload that is not valid JSON still produces a notification
// with default texts; push delivery must never fail loudly.
func (n *Notifier) HandlePush(payload []byte) Notification {
	var p pushPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			n.opts.Logger.Warn("malformed push payload", zap.Error(err))
		}
	}
	if len(p.Title) == 0 {
		p.Title = "New deal alert"
	}
	if len(p.Body) == 0 {
		p.Body = "A new property deal matches your filters."
	}

	notification := Notification{
		Title: p.Title,
		Body:  p.Body,
		Icon:  n.opts.Icon,
		Badge: n.opts.Badge,
		Actions: []Action{
			{ID: "view", Title: "View deal"},
			{ID: "dismiss", Title: "Dismiss"},
		},
		ClickURL:   n.opts.ClickURL,
		ReceivedAt: time.Now(),
	}

	n.mu.Lock()
	for ch := range n.subs {
		select {
		case ch <- notification:
		default:
			n.opts.Logger.Debug("slow notification subscriber, message dropped")
		}
	}
	n.mu.Unlock()
	return notification
}

// Subscribe registers a listener. cancel must be called when the
// listener goes away.
func (n *Notifier) Subscribe() (ch <-chan Notification, cancel func()) {
	c := make(chan Notification, 8)
	n.mu.Lock()
	n.subs[c] = struct{}{}
	n.mu.Unlock()

	return c, func() {
		n.mu.Lock()
		delete(n.subs, c)
		n.mu.Unlock()
	}
}
