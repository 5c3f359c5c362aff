package hub

import "net/http"

// ClientFrame is a request from a realtime client. Exactly one of the
// operation fields is set.
type ClientFrame struct {
	Id          int             `json:"id,omitempty"`
	Subscribe   *SubscribeReq   `json:"subscribe,omitempty"`
	Unsubscribe *UnsubscribeReq `json:"unsubscribe,omitempty"`
}

type SubscribeReq struct {
	Table  string         `json:"table"`
	Filter map[string]any `json:"filter,omitempty"`
}

type UnsubscribeReq struct {
	SubId string `json:"sub_id"`
}

// ServerFrame carries either an acknowledgement for a client request or
// a change event on one of its subscriptions.
type ServerFrame struct {
	Id       int         `json:"id,omitempty"`
	Response *Response   `json:"response,omitempty"`
	Event    *EventFrame `json:"event,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type EventFrame struct {
	SubId string         `json:"sub_id"`
	Table string         `json:"table"`
	Type  string         `json:"type"`
	Old   map[string]any `json:"old,omitempty"`
	New   map[string]any `json:"new,omitempty"`
}

func NoErrOK(id int, data map[string]any) *ServerFrame {
	return &ServerFrame{
		Id: id,
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrBadRequest(id int, msg string) *ServerFrame {
	return &ServerFrame{
		Id: id,
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        msg,
		},
	}
}

func ErrForbidden(id int, msg string) *ServerFrame {
	return &ServerFrame{
		Id: id,
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        msg,
		},
	}
}

func ErrNotFound(id int, msg string) *ServerFrame {
	return &ServerFrame{
		Id: id,
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        msg,
		},
	}
}
