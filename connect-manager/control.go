package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// requestTimeout bounds each control operation, including its outbound
// service round trips.
const requestTimeout = 30 * time.Second

// ControlServer exposes the connect manager to the user's device app
// over NATS request/reply. One subscription covers the whole surface;
// the operation is the subject suffix after the control prefix.
type ControlServer struct {
	transport *NATSTransport
	signer    *ConnectionSigner
	conns     *ConnectionStore
	caps      *CapabilityManager
	ledger    *AuditLedger
	updates   *ContractUpdateManager
	revoker   *RevocationCoordinator
}

// NewControlServer creates a control server
func NewControlServer(transport *NATSTransport, signer *ConnectionSigner, conns *ConnectionStore,
	caps *CapabilityManager, ledger *AuditLedger, updates *ContractUpdateManager,
	revoker *RevocationCoordinator) *ControlServer {
	return &ControlServer{
		transport: transport,
		signer:    signer,
		conns:     conns,
		caps:      caps,
		ledger:    ledger,
		updates:   updates,
		revoker:   revoker,
	}
}

// controlResponse is the wire envelope for every control reply
type controlResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Start subscribes to the device control subject tree
func (s *ControlServer) Start(ctx context.Context) (*nats.Subscription, error) {
	prefix := fmt.Sprintf(subjectControlPrefix, s.transport.userGUID)
	sub, err := s.transport.conn.Subscribe(prefix+".>", func(msg *nats.Msg) {
		op := strings.TrimPrefix(msg.Subject, prefix+".")

		opCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		result, err := s.dispatch(opCtx, op, msg.Data)
		resp := controlResponse{OK: err == nil, Result: result}
		if err != nil {
			resp.Error = err.Error()
			log.Warn().Err(err).Str("op", op).Msg("Control operation failed")
		}

		data, merr := json.Marshal(resp)
		if merr != nil {
			log.Error().Err(merr).Str("op", op).Msg("Failed to serialize control response")
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn().Err(err).Str("op", op).Msg("Failed to respond to control request")
		}
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("subject", prefix+".>").Msg("Control surface listening")
	return sub, nil
}

type signerStatus struct {
	Phase SignerPhase             `json:"phase"`
	Error string                  `json:"error,omitempty"`
	Found *ServiceDiscoveryResult `json:"discovery,omitempty"`
}

type discoverCommand struct {
	Code string `json:"code"`
}

type acceptCommand struct {
	OptionalFields []string `json:"optional_fields,omitempty"`
}

type connectionCommand struct {
	ConnectionID string `json:"connection_id"`
}

type settingsCommand struct {
	ConnectionID string    `json:"connection_id"`
	Favorite     *bool     `json:"favorite,omitempty"`
	Muted        *bool     `json:"muted,omitempty"`
	Archived     *bool     `json:"archived,omitempty"`
	Tags         *[]string `json:"tags,omitempty"`
}

type healthCommand struct {
	ConnectionID string `json:"connection_id"`
	StorageUsed  int64  `json:"storage_used"`
}

type capabilityCommand struct {
	ConnectionID string `json:"connection_id"`
	CapabilityID string `json:"capability_id"`
}

type auditCommand struct {
	ConnectionID string     `json:"connection_id"`
	ServiceID    string     `json:"service_id,omitempty"`
	Operation    string     `json:"operation,omitempty"`
	Status       string     `json:"status,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Format       string     `json:"format,omitempty"`
}

func (c *auditCommand) query() AuditQuery {
	return AuditQuery{
		ServiceID: c.ServiceID,
		Operation: c.Operation,
		Status:    c.Status,
		StartTime: c.StartTime,
		EndTime:   c.EndTime,
	}
}

type updateDecisionCommand struct {
	ConnectionID           string   `json:"connection_id"`
	Accepted               bool     `json:"accepted"`
	AcceptedOptionalFields []string `json:"accepted_optional_fields,omitempty"`
	DeleteStoredData       bool     `json:"delete_stored_data"`
}

// dispatch routes one control operation. Kept free of NATS types so the
// surface is testable without a broker.
func (s *ControlServer) dispatch(ctx context.Context, op string, data []byte) (json.RawMessage, error) {
	switch op {
	case "discover":
		var cmd discoverCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("malformed discover command: %w", err)
		}
		result, err := s.signer.Discover(ctx, cmd.Code)
		if err != nil {
			return nil, err
		}
		return marshal(result)

	case "review.begin":
		if err := s.signer.BeginReview(); err != nil {
			return nil, err
		}
		return marshal(s.signer.Result())

	case "review.accept":
		var cmd acceptCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("malformed accept command: %w", err)
		}
		selected := make(map[string]bool, len(cmd.OptionalFields))
		for _, field := range cmd.OptionalFields {
			selected[field] = true
		}
		if err := s.signer.AcceptContract(selected); err != nil {
			return nil, err
		}
		return marshal(signerStatus{Phase: s.signer.Phase()})

	case "authorize":
		if s.signer.Phase() == PhaseReviewing {
			if err := s.signer.RequestAuthorization(); err != nil {
				return nil, err
			}
		}
		record, err := s.signer.Authorize(ctx)
		if err != nil {
			return nil, err
		}
		return marshal(record)

	case "retry":
		record, err := s.signer.RetryPersist()
		if err != nil {
			return nil, err
		}
		return marshal(record)

	case "reset":
		if err := s.signer.Reset(); err != nil {
			return nil, err
		}
		return marshal(signerStatus{Phase: s.signer.Phase()})

	case "status":
		status := signerStatus{Phase: s.signer.Phase(), Found: s.signer.Result()}
		if err := s.signer.Err(); err != nil {
			status.Error = err.Error()
		}
		return marshal(status)

	case "connections.list":
		var opts ListOptions
		if len(data) > 0 {
			if err := json.Unmarshal(data, &opts); err != nil {
				return nil, fmt.Errorf("malformed list options: %w", err)
			}
		}
		records, err := s.conns.List(opts)
		if err != nil {
			return nil, err
		}
		return marshal(records)

	case "connections.get":
		cmd, err := decodeConnection(data)
		if err != nil {
			return nil, err
		}
		record, err := s.conns.Get(cmd.ConnectionID)
		if err != nil {
			return nil, err
		}
		return marshal(record)

	case "connections.settings":
		var cmd settingsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("malformed settings command: %w", err)
		}
		if err := s.applySettings(ctx, &cmd); err != nil {
			return nil, err
		}
		record, err := s.conns.Get(cmd.ConnectionID)
		if err != nil {
			return nil, err
		}
		return marshal(record)

	case "connections.health":
		var cmd healthCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("malformed health command: %w", err)
		}
		health, err := s.conns.Health(cmd.ConnectionID, cmd.StorageUsed)
		if err != nil {
			return nil, err
		}
		return marshal(health)

	case "connections.reconcile":
		records, stale, err := s.conns.Reconcile(ctx)
		if err != nil {
			return nil, err
		}
		return marshal(struct {
			Connections []ServiceConnectionRecord `json:"connections"`
			Stale       bool                      `json:"stale"`
		}{records, stale})

	case "capabilities.list":
		cmd, err := decodeConnection(data)
		if err != nil {
			return nil, err
		}
		caps, err := s.caps.List(cmd.ConnectionID)
		if err != nil {
			return nil, err
		}
		return marshal(caps)

	case "capabilities.revoke":
		var cmd capabilityCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("malformed capability command: %w", err)
		}
		capability, err := s.caps.Revoke(ctx, cmd.ConnectionID, cmd.CapabilityID)
		if err != nil {
			return nil, err
		}
		return marshal(capability)

	case "audit.list":
		var cmd auditCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("malformed audit command: %w", err)
		}
		entries, err := s.ledger.Entries(cmd.ConnectionID)
		if err != nil {
			return nil, err
		}
		return marshal(FilterEntries(entries, cmd.query()))

	case "audit.verify":
		cmd, err := decodeConnection(data)
		if err != nil {
			return nil, err
		}
		status, err := s.ledger.Verify(cmd.ConnectionID)
		if err != nil {
			return nil, err
		}
		return marshal(status)

	case "audit.export":
		var cmd auditCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("malformed audit command: %w", err)
		}
		entries, err := s.ledger.Entries(cmd.ConnectionID)
		if err != nil {
			return nil, err
		}
		export, err := ExportEntries(FilterEntries(entries, cmd.query()), cmd.Format)
		if err != nil {
			return nil, err
		}
		return marshal(struct {
			Format string `json:"format"`
			Data   string `json:"data"`
		}{cmd.Format, export})

	case "updates.pending":
		cmd, err := decodeConnection(data)
		if err != nil {
			return nil, err
		}
		update, err := s.updates.Pending(cmd.ConnectionID)
		if err != nil {
			return nil, err
		}
		return marshal(update)

	case "updates.decide":
		var cmd updateDecisionCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("malformed update decision: %w", err)
		}
		if cmd.Accepted {
			record, err := s.updates.Accept(ctx, ContractUpdateDecision{
				ConnectionID:           cmd.ConnectionID,
				Accepted:               true,
				AcceptedOptionalFields: cmd.AcceptedOptionalFields,
				DecidedAt:              time.Now().UTC(),
			})
			if err != nil {
				return nil, err
			}
			return marshal(record)
		}
		result, err := s.updates.Reject(ctx, cmd.ConnectionID, cmd.DeleteStoredData)
		if err != nil {
			return nil, err
		}
		return marshal(result)

	case "updates.history":
		cmd, err := decodeConnection(data)
		if err != nil {
			return nil, err
		}
		history, err := s.updates.History(cmd.ConnectionID)
		if err != nil {
			return nil, err
		}
		return marshal(history)

	case "revoke":
		var cancellation ContractCancellation
		if err := json.Unmarshal(data, &cancellation); err != nil {
			return nil, fmt.Errorf("malformed cancellation: %w", err)
		}
		if cancellation.CancelledAt.IsZero() {
			cancellation.CancelledAt = time.Now().UTC()
		}
		result, err := s.revoker.Revoke(ctx, cancellation)
		if err != nil {
			return nil, err
		}
		return marshal(result)

	default:
		return nil, fmt.Errorf("unknown control operation %q", op)
	}
}

// applySettings applies each provided field through the optimistic
// mutate/commit/rollback path, stopping at the first failure.
func (s *ControlServer) applySettings(ctx context.Context, cmd *settingsCommand) error {
	if cmd.Favorite != nil {
		if err := s.conns.SetFavorite(ctx, cmd.ConnectionID, *cmd.Favorite); err != nil {
			return err
		}
	}
	if cmd.Muted != nil {
		if err := s.conns.SetMuted(ctx, cmd.ConnectionID, *cmd.Muted); err != nil {
			return err
		}
	}
	if cmd.Archived != nil {
		if err := s.conns.SetArchived(ctx, cmd.ConnectionID, *cmd.Archived); err != nil {
			return err
		}
	}
	if cmd.Tags != nil {
		if err := s.conns.SetTags(ctx, cmd.ConnectionID, *cmd.Tags); err != nil {
			return err
		}
	}
	return nil
}

func decodeConnection(data []byte) (*connectionCommand, error) {
	var cmd connectionCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command: %w", err)
	}
	if cmd.ConnectionID == "" {
		return nil, fmt.Errorf("connection_id is required")
	}
	return &cmd, nil
}

func marshal(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize result: %w", err)
	}
	return data, nil
}
