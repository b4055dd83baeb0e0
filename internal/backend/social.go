package backend

import (
	"context"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/chatsync/internal/model"
)

func (c *Client) SendConnectionRequest(ctx context.Context, to string) (model.Connection, error) {
	body, err := c.do(ctx, "SendConnectionRequest", http.MethodPost, "/api/connections", func(r *resty.Request) {
		r.SetBody(map[string]string{"to": to})
	})
	if err != nil {
		return model.Connection{}, err
	}
	var conn model.Connection
	return conn, decode("SendConnectionRequest", body, &conn)
}

// RespondConnectionRequest принимает (accept=true) или отклоняет заявку.
func (c *Client) RespondConnectionRequest(ctx context.Context, id string, accept bool) (model.Connection, error) {
	status := model.ConnectionRejected
	if accept {
		status = model.ConnectionAccepted
	}
	body, err := c.do(ctx, "RespondConnectionRequest", http.MethodPut, "/api/connections/{id}", func(r *resty.Request) {
		r.SetPathParam("id", id).SetBody(map[string]string{"status": string(status)})
	})
	if err != nil {
		return model.Connection{}, err
	}
	var conn model.Connection
	return conn, decode("RespondConnectionRequest", body, &conn)
}

func (c *Client) ListConnections(ctx context.Context) ([]model.Connection, error) {
	body, err := c.do(ctx, "ListConnections", http.MethodGet, "/api/connections", nil)
	if err != nil {
		return nil, err
	}
	var conns []model.Connection
	return conns, decode("ListConnections", body, &conns)
}

func (c *Client) BlockUser(ctx context.Context, userID, targetID string) error {
	_, err := c.do(ctx, "BlockUser", http.MethodPost, "/api/user/{id}/block", func(r *resty.Request) {
		r.SetPathParam("id", userID).SetBody(map[string]string{"targetId": targetID})
	})
	return err
}

func (c *Client) UnblockUser(ctx context.Context, userID, targetID string) error {
	_, err := c.do(ctx, "UnblockUser", http.MethodDelete, "/api/user/{id}/block/{target}", func(r *resty.Request) {
		r.SetPathParams(map[string]string{"id": userID, "target": targetID})
	})
	return err
}

func (c *Client) CheckBlocked(ctx context.Context, userID, targetID string) (model.BlockStatus, error) {
	body, err := c.do(ctx, "CheckBlocked", http.MethodGet, "/api/user/{id}/block/{target}", func(r *resty.Request) {
		r.SetPathParams(map[string]string{"id": userID, "target": targetID})
	})
	if err != nil {
		return model.BlockStatus{}, err
	}
	var st model.BlockStatus
	return st, decode("CheckBlocked", body, &st)
}

type Report struct {
	TargetID    string `json:"targetId" validate:"required"`
	Reason      string `json:"reason" validate:"required,max=64"`
	Description string `json:"description,omitempty" validate:"max=1000"`
}

func (c *Client) ReportUser(ctx context.Context, userID string, rep Report) error {
	if err := validateStruct(rep); err != nil {
		return err
	}
	_, err := c.do(ctx, "ReportUser", http.MethodPost, "/api/user/{id}/report", func(r *resty.Request) {
		r.SetPathParam("id", userID).SetBody(rep)
	})
	return err
}
