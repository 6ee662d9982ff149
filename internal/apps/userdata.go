package apps

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hydrascope/dcrfgate/internal/multiplex"
	log "github.com/sirupsen/logrus"
)

type request struct {
	Action    string          `json:"action"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
}

type response struct {
	Errors         []string             `json:"errors"`
	Data           *multiplex.Principal `json:"data"`
	Action         string               `json:"action"`
	ResponseStatus int                  `json:"response_status"`
	RequestID      json.RawMessage      `json:"request_id,omitempty"`
}

// UserData answers "retrieve" requests with the principal of the connection
func UserData(ctx context.Context, scope *multiplex.Scope, receive multiplex.ReceiveFunc, send multiplex.SendFunc) error {
	return serve(ctx, receive, send, func(ctx context.Context, payload []byte) error {
		resp := respondUserData(scope, payload)
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return send(ctx, &multiplex.Frame{Kind: multiplex.KindSend, Payload: data})
	})
}

func respondUserData(scope *multiplex.Scope, payload []byte) response {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		log.WithField("connID", scope.ID).Debugf("bad userdata request: %v", err)
		return response{
			Errors:         []string{"request is not a JSON object"},
			ResponseStatus: http.StatusBadRequest,
		}
	}
	resp := response{
		Errors:    []string{},
		Action:    req.Action,
		RequestID: req.RequestID,
	}
	if req.Action != "retrieve" {
		resp.Errors = append(resp.Errors, "Method \""+req.Action+"\" not allowed.")
		resp.ResponseStatus = http.StatusMethodNotAllowed
		return resp
	}
	p := scope.Principal()
	if p == nil {
		resp.Errors = append(resp.Errors, "Authentication credentials were not provided.")
		resp.ResponseStatus = http.StatusUnauthorized
		return resp
	}
	resp.Data = p
	resp.ResponseStatus = http.StatusOK
	return resp
}
