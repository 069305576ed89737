package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Signal types sent by the UI shell.
const (
	SignalVisibility  = "visibility"
	SignalOnline      = "online"
	SignalFocus       = "focus"
	SignalFocusRoom   = "focus_room"
	SignalUnfocusRoom = "unfocus_room"
	SignalResume      = "resume"
)

const (
	// maxSignalBytes caps a single inbound message.
	maxSignalBytes = 4 << 10

	// focusRoomTimeout bounds how long a focus_room signal may wait for
	// an unknown room to arrive.
	focusRoomTimeout = 30 * time.Second

	replyTimeout = 5 * time.Second
)

// Signal is one app-state message from the UI shell.
type Signal struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Visible *bool  `json:"visible,omitempty"`
	Online  *bool  `json:"online,omitempty"`
	RoomID  string `json:"room_id,omitempty"`
}

// Reply acknowledges a Signal. ID echoes the signal's id.
type Reply struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Error     string `json:"error,omitempty"`
	Restarted *bool  `json:"restarted,omitempty"`
}

var (
	errMissingVisible = errors.New("visibility signal needs a visible field")
	errMissingOnline  = errors.New("online signal needs an online field")
	errMissingRoom    = errors.New("room signal needs a room_id")
	errUnknownSignal  = errors.New("unknown signal type")
)

// SignalHandler upgrades to a websocket and feeds app signals into the
// controller. Signals that may block (focus_room, resume) run
// concurrently and are acknowledged when they finish; the rest are
// acknowledged immediately in order.
func SignalHandler(ctrl Controller, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("signals: websocket accept failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		conn.SetReadLimit(maxSignalBytes)

		ip := remoteIP(r)
		logger.Debug("signals: client connected", slog.String("ip", ip))

		ctx, cancel := context.WithCancel(r.Context())

		var wg sync.WaitGroup
		defer wg.Wait()
		defer cancel()

		s := &signalSession{ctrl: ctrl, conn: conn, logger: logger, wg: &wg}

		for {
			var sig Signal
			if err := wsjson.Read(ctx, conn, &sig); err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					logger.Debug("signals: client disconnected", slog.String("ip", ip))
				default:
					if ctx.Err() == nil {
						logger.Debug("signals: read failed",
							slog.String("ip", ip),
							slog.String("error", err.Error()),
						)
					}
				}

				return
			}

			s.dispatch(ctx, sig)
		}
	})
}

type signalSession struct {
	ctrl   Controller
	conn   *websocket.Conn
	logger *slog.Logger
	wg     *sync.WaitGroup
}

func (s *signalSession) dispatch(ctx context.Context, sig Signal) {
	s.logger.Debug("signals: received",
		slog.String("type", sig.Type),
		slog.String("room_id", sig.RoomID),
	)

	switch sig.Type {
	case SignalVisibility:
		if sig.Visible == nil {
			s.replyErr(ctx, sig, errMissingVisible)
			return
		}

		s.ctrl.SetVisible(*sig.Visible)

	case SignalOnline:
		if sig.Online == nil {
			s.replyErr(ctx, sig, errMissingOnline)
			return
		}

		s.ctrl.SetOnline(*sig.Online)

	case SignalFocus:
		s.ctrl.AppFocused()

	case SignalUnfocusRoom:
		if sig.RoomID == "" {
			s.replyErr(ctx, sig, errMissingRoom)
			return
		}

		s.ctrl.UnfocusRoom(sig.RoomID)

	case SignalFocusRoom:
		if sig.RoomID == "" {
			s.replyErr(ctx, sig, errMissingRoom)
			return
		}

		s.async(ctx, sig, func(ctx context.Context) Reply {
			ctx, cancel := context.WithTimeout(ctx, focusRoomTimeout)
			defer cancel()

			if err := s.ctrl.FocusRoom(ctx, sig.RoomID); err != nil {
				return Reply{Type: "error", ID: sig.ID, Error: err.Error()}
			}

			return Reply{Type: "ack", ID: sig.ID}
		})

		return

	case SignalResume:
		s.async(ctx, sig, func(ctx context.Context) Reply {
			restarted, err := s.ctrl.ResumeFromAppForeground(ctx)
			if err != nil {
				return Reply{Type: "error", ID: sig.ID, Error: err.Error()}
			}

			return Reply{Type: "ack", ID: sig.ID, Restarted: &restarted}
		})

		return

	default:
		s.replyErr(ctx, sig, errUnknownSignal)
		return
	}

	s.reply(ctx, Reply{Type: "ack", ID: sig.ID})
}

func (s *signalSession) async(ctx context.Context, sig Signal, fn func(context.Context) Reply) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		reply := fn(ctx)
		if ctx.Err() != nil {
			return
		}

		s.reply(ctx, reply)
	}()
}

func (s *signalSession) replyErr(ctx context.Context, sig Signal, err error) {
	s.reply(ctx, Reply{Type: "error", ID: sig.ID, Error: err.Error()})
}

func (s *signalSession) reply(ctx context.Context, reply Reply) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, s.conn, reply); err != nil && ctx.Err() == nil {
		s.logger.Debug("signals: reply failed", slog.String("error", err.Error()))
	}
}
