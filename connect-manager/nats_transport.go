package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS subject layout. Service-side subjects are answered by the
// service's vault; user-side subjects by the user's cloud vault.
const (
	subjectDiscover    = "vettid.service.%s.discover"
	subjectSign        = "vettid.service.%s.connect.sign"
	subjectRevoke      = "vettid.service.%s.connect.revoke"
	subjectConnections = "vettid.user.%s.connections"
	subjectSettings    = "vettid.user.%s.connections.settings"
	subjectUpdates     = "vettid.user.%s.contract.updates"
	subjectProfile     = "vettid.user.%s.profile.fields"

	// Device-app control surface served by this process.
	subjectControlPrefix = "vettid.device.%s.connect"
)

// NATSTransport carries connection traffic over NATS request/reply.
// It implements both Transport and SettingsSync.
type NATSTransport struct {
	conn     *nats.Conn
	userGUID string
}

// NewNATSTransport connects to NATS and returns a transport
func NewNATSTransport(cfg NATSConfig, userGUID string) (*NATSTransport, error) {
	opts := []nats.Option{
		nats.Name("vettid-connect-manager"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSTransport{conn: conn, userGUID: userGUID}, nil
}

// request performs a JSON request/reply round trip. Timeout and
// no-responder conditions surface as ErrServiceUnreachable.
func (t *NATSTransport) request(ctx context.Context, subject string, req, resp interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to serialize request: %w", err)
	}

	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
		}
		return err
	}

	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", subject, err)
	}
	return nil
}

// discoverRequest is the wire form of a discovery lookup
type discoverRequest struct {
	ServiceGUID string `json:"service_guid"`
	InviteID    string `json:"invite_id,omitempty"`
	UserGUID    string `json:"user_guid"`
}

type discoverResponse struct {
	Found   bool            `json:"found"`
	Profile *ServiceProfile `json:"profile,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Discover fetches a service's profile and current contract
func (t *NATSTransport) Discover(ctx context.Context, serviceGUID, inviteID string) (*ServiceProfile, error) {
	var resp discoverResponse
	subject := fmt.Sprintf(subjectDiscover, serviceGUID)
	if err := t.request(ctx, subject, &discoverRequest{
		ServiceGUID: serviceGUID,
		InviteID:    inviteID,
		UserGUID:    t.userGUID,
	}, &resp); err != nil {
		return nil, err
	}

	if !resp.Found || resp.Profile == nil {
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, resp.Error)
		}
		return nil, ErrServiceNotFound
	}
	return resp.Profile, nil
}

// SubmitSignRequest dispatches a sign request to the service's vault
func (t *NATSTransport) SubmitSignRequest(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	var resp SignResponse
	subject := fmt.Sprintf(subjectSign, req.ServiceGUID)
	if err := t.request(ctx, subject, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestRevocation asks the service to acknowledge termination
func (t *NATSTransport) RequestRevocation(ctx context.Context, req *RevocationRequest) (*RevocationAck, error) {
	var ack RevocationAck
	subject := fmt.Sprintf(subjectRevoke, req.ServiceGUID)
	if err := t.request(ctx, subject, req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// connectionsResponse is the cloud vault's answer to a connection list
// fetch during reconciliation.
type connectionsResponse struct {
	Connections []ServiceConnectionRecord `json:"connections"`
	Error       string                    `json:"error,omitempty"`
}

// FetchConnections returns the remote source of truth for the user's
// connection set.
func (t *NATSTransport) FetchConnections(ctx context.Context) ([]ServiceConnectionRecord, error) {
	var resp connectionsResponse
	subject := fmt.Sprintf(subjectConnections, t.userGUID)
	if err := t.request(ctx, subject, &struct{}{}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("connection fetch rejected: %s", resp.Error)
	}
	return resp.Connections, nil
}

// profileFieldsResponse lists the field keys present in the user's
// profile, used to check contract requirements during discovery.
type profileFieldsResponse struct {
	Fields []string `json:"fields"`
	Error  string   `json:"error,omitempty"`
}

// FetchProfileFields returns the field keys present in the user's profile
func (t *NATSTransport) FetchProfileFields(ctx context.Context) ([]string, error) {
	var resp profileFieldsResponse
	subject := fmt.Sprintf(subjectProfile, t.userGUID)
	if err := t.request(ctx, subject, &struct{}{}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("profile fetch rejected: %s", resp.Error)
	}
	return resp.Fields, nil
}

// settingsAck acknowledges a settings commit
type settingsAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CommitSettings pushes a record's usability settings to the cloud vault
func (t *NATSTransport) CommitSettings(ctx context.Context, record *ServiceConnectionRecord) error {
	var ack settingsAck
	subject := fmt.Sprintf(subjectSettings, t.userGUID)
	if err := t.request(ctx, subject, record, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("settings commit rejected: %s", ack.Error)
	}
	return nil
}

// ContractUpdateNotice is the wire form of a published contract update
type ContractUpdateNotice struct {
	ConnectionID string              `json:"connection_id"`
	NewContract  ServiceDataContract `json:"new_contract"`
	Reason       string              `json:"reason,omitempty"`
	RequiredBy   *time.Time          `json:"required_by,omitempty"`
}

// SubscribeContractUpdates delivers contract update publications for
// this user to the handler.
func (t *NATSTransport) SubscribeContractUpdates(handler func(notice *ContractUpdateNotice)) (*nats.Subscription, error) {
	subject := fmt.Sprintf(subjectUpdates, t.userGUID)
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		var notice ContractUpdateNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed contract update")
			return
		}
		handler(&notice)
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("subject", subject).Msg("Subscribed to contract updates")
	return sub, nil
}

// IsConnected reports whether the NATS connection is up
func (t *NATSTransport) IsConnected() bool {
	return t.conn.IsConnected()
}

// Close drains and closes the NATS connection
func (t *NATSTransport) Close() {
	t.conn.Close()
}
