package jupyter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nstogner/officeagent/pkg/sandbox"
)

const protocolVersion = "5.3"

// ErrKernelClosed is returned once the channel websocket is gone.
var ErrKernelClosed = errors.New("kernel channels closed")

type header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
	Date     string `json:"date,omitempty"`
}

// message is the JSON form of a kernel message on the channels websocket.
type message struct {
	Header       header          `json:"header"`
	ParentHeader json.RawMessage `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel"`
	Buffers      []any           `json:"buffers"`
}

func (m message) parentID() string {
	if len(m.ParentHeader) == 0 {
		return ""
	}
	var h header
	if err := json.Unmarshal(m.ParentHeader, &h); err != nil {
		return ""
	}
	return h.MsgID
}

// Kernel is a running gateway kernel. It implements sandbox.Kernel.
type Kernel struct {
	id      string
	session string
	client  *Client
	conn    *websocket.Conn

	writeMu sync.Mutex
	msgs    chan sandbox.KernelMessage
	done    chan struct{}

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
}

var _ sandbox.Kernel = (*Kernel)(nil)

func newKernel(c *Client, id, session string, conn *websocket.Conn) *Kernel {
	k := &Kernel{
		id:      id,
		session: session,
		client:  c,
		conn:    conn,
		msgs:    make(chan sandbox.KernelMessage, 256),
		done:    make(chan struct{}),
	}
	go k.readLoop()
	return k
}

// ID returns the gateway's kernel id.
func (k *Kernel) ID() string { return k.id }

// Execute sends an execute_request on the shell channel.
func (k *Kernel) Execute(ctx context.Context, code string) (string, error) {
	content, err := json.Marshal(map[string]any{
		"code":             code,
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]any{},
		"allow_stdin":      false,
		"stop_on_error":    true,
	})
	if err != nil {
		return "", err
	}

	msgID := uuid.New().String()
	msg := message{
		Header: header{
			MsgID:    msgID,
			Username: "officeagent",
			Session:  k.session,
			MsgType:  "execute_request",
			Version:  protocolVersion,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
		},
		ParentHeader: json.RawMessage(`{}`),
		Metadata:     map[string]any{},
		Content:      content,
		Channel:      "shell",
		Buffers:      []any{},
	}

	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		k.conn.SetWriteDeadline(deadline)
		defer k.conn.SetWriteDeadline(time.Time{})
	}
	if err := k.conn.WriteJSON(msg); err != nil {
		return "", fmt.Errorf("writing execute_request: %w", err)
	}
	return msgID, nil
}

// Next returns the next iopub or shell message.
func (k *Kernel) Next(ctx context.Context) (sandbox.KernelMessage, error) {
	select {
	case m, ok := <-k.msgs:
		if !ok {
			return sandbox.KernelMessage{}, k.err()
		}
		return m, nil
	case <-ctx.Done():
		return sandbox.KernelMessage{}, ctx.Err()
	}
}

// Interrupt interrupts the running request through the REST API.
func (k *Kernel) Interrupt(ctx context.Context) error {
	return k.client.InterruptKernel(ctx, k.id)
}

// Close closes the websocket and deletes the kernel.
func (k *Kernel) Close(ctx context.Context) error {
	var err error
	k.closeOnce.Do(func() {
		close(k.done)
		k.writeMu.Lock()
		k.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		k.writeMu.Unlock()
		k.conn.Close()
		err = k.client.DeleteKernel(ctx, k.id)
	})
	return err
}

func (k *Kernel) readLoop() {
	defer close(k.msgs)
	for {
		var m message
		if err := k.conn.ReadJSON(&m); err != nil {
			select {
			case <-k.done:
				k.setErr(ErrKernelClosed)
			default:
				slog.Warn("Kernel channel read failed", "kernelID", k.id, "error", err)
				k.setErr(fmt.Errorf("%w: %v", ErrKernelClosed, err))
			}
			return
		}
		if m.Channel != "iopub" && m.Channel != "shell" {
			continue
		}

		km := sandbox.KernelMessage{
			MsgType:  m.Header.MsgType,
			ParentID: m.parentID(),
			Content:  m.Content,
		}
		select {
		case k.msgs <- km:
		case <-k.done:
			k.setErr(ErrKernelClosed)
			return
		}
	}
}

func (k *Kernel) setErr(err error) {
	k.errMu.Lock()
	defer k.errMu.Unlock()
	if k.readErr == nil {
		k.readErr = err
	}
}

func (k *Kernel) err() error {
	k.errMu.Lock()
	defer k.errMu.Unlock()
	if k.readErr == nil {
		return ErrKernelClosed
	}
	return k.readErr
}
