package websocket

import (
	"time"

	"github.com/aukilabs/dagaz/models"
	"github.com/aukilabs/dagaz/spatial"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	ErrTypeMsgDecode             = "msg_decode"
	ErrTypeUnknownMsgType        = "unknown_msg_type"
	ErrTypeSubscriptionsDisabled = "subscriptions_disabled"
	ErrTypeSubscriptionNotFound  = "subscription_not_found"
	ErrTypeInternalServerError   = "internal_server_error"
)

type MsgType string

const (
	MsgTypePing                MsgType = "ping"
	MsgTypePingResponse        MsgType = "ping_response"
	MsgTypePut                 MsgType = "put"
	MsgTypePutResponse         MsgType = "put_response"
	MsgTypeDelete              MsgType = "delete"
	MsgTypeDeleteResponse      MsgType = "delete_response"
	MsgTypeFind                MsgType = "find"
	MsgTypeFindResponse        MsgType = "find_response"
	MsgTypeSearch              MsgType = "search"
	MsgTypeSearchResponse      MsgType = "search_response"
	MsgTypeCount               MsgType = "count"
	MsgTypeCountResponse       MsgType = "count_response"
	MsgTypeSubscribe           MsgType = "subscribe"
	MsgTypeSubscribeResponse   MsgType = "subscribe_response"
	MsgTypeUnsubscribe         MsgType = "unsubscribe"
	MsgTypeUnsubscribeResponse MsgType = "unsubscribe_response"
	MsgTypeError               MsgType = "error"
	MsgTypeItemPut             MsgType = MsgType(models.EventItemPut)
	MsgTypeItemDeleted         MsgType = MsgType(models.EventItemDeleted)
)

// Msg is the message exchanged with clients. Requests set the fields their
// type needs and responses echo the request id.
type Msg struct {
	Type           MsgType        `json:"type"`
	RequestID      uint32         `json:"request_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	IndexID        string         `json:"index_id,omitempty"`
	ItemID         string         `json:"item_id,omitempty"`
	SubscriptionID uint32         `json:"subscription_id,omitempty"`
	Position       spatial.Vector `json:"position,omitempty"`
	Min            spatial.Vector `json:"min,omitempty"`
	Max            spatial.Vector `json:"max,omitempty"`
	Data           any            `json:"data,omitempty"`
	Item           *models.Item   `json:"item,omitempty"`
	Items          []models.Item  `json:"items,omitempty"`
	Count          *int           `json:"count,omitempty"`
	Error          string         `json:"error,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// Receiver reads the next message. It returns the number of bytes read.
type Receiver func() (Msg, int, error)

// Sender writes a message. It returns the number of bytes written.
type Sender func(Msg) (int, error)

// ResponseSender queues messages to be sent to the client.
type ResponseSender interface {
	Send(Msg)
}

func newErrorMsg(requestID uint32, err error) Msg {
	typ := errors.Type(err)
	if typ == "" {
		typ = ErrTypeInternalServerError
	}

	return Msg{
		Type:      MsgTypeError,
		RequestID: requestID,
		Timestamp: time.Now(),
		Error:     typ,
		Message:   err.Error(),
	}
}

// NewReceiver returns a receiver decoding JSON text frames from conn.
func NewReceiver(conn *websocket.Conn) Receiver {
	return func() (Msg, int, error) {
		var b []byte
		if err := websocket.Message.Receive(conn, &b); err != nil {
			return Msg{}, 0, err
		}

		var msg Msg
		if err := json.Unmarshal(b, &msg); err != nil {
			return Msg{}, len(b), errors.New("decoding message failed").
				WithType(ErrTypeMsgDecode).
				Wrap(err)
		}
		return msg, len(b), nil
	}
}

// NewSender returns a sender encoding messages to conn as JSON text frames.
func NewSender(conn *websocket.Conn) Sender {
	return func(msg Msg) (int, error) {
		b, err := json.Marshal(msg)
		if err != nil {
			return 0, errors.New("encoding message failed").Wrap(err)
		}

		if err := websocket.Message.Send(conn, string(b)); err != nil {
			return 0, err
		}
		return len(b), nil
	}
}
