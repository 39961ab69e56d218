package service

import (
	"context"
	"sync"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	log "github.com/sirupsen/logrus"
)

// Refresher re-runs the full refresh of every live view of a table.
type Refresher interface {
	RefreshTable(ctx context.Context, tableID string)
}

// AdminService resolves join and buy-in requests. Each resolution is committed by the
// gateway's conditional update, so concurrent approvals of one request yield one outcome.
type AdminService struct {
	rows      gateway.Rows
	rt        gateway.Realtime
	refresher Refresher
	inFlight  sync.Map // request id -> struct{}
}

func NewAdminService(rows gateway.Rows, rt gateway.Realtime, refresher Refresher) *AdminService {
	return &AdminService{rows: rows, rt: rt, refresher: refresher}
}

// begin claims requestID for the duration of one action.
func (s *AdminService) begin(requestID string) (func(), error) {
	if _, loaded := s.inFlight.LoadOrStore(requestID, struct{}{}); loaded {
		return nil, ErrActionInFlight
	}
	return func() { s.inFlight.Delete(requestID) }, nil
}

// InFlight reports whether an action on requestID is running.
func (s *AdminService) InFlight(requestID string) bool {
	_, ok := s.inFlight.Load(requestID)
	return ok
}

func (s *AdminService) requireAdmin(ctx context.Context, tableID, actorID string) error {
	t, err := s.rows.GetTable(ctx, tableID)
	if err != nil {
		return err
	}
	if t.AdminPlayerID == "" || t.AdminPlayerID != actorID {
		return ErrNotAdmin
	}
	return nil
}

func (s *AdminService) refresh(ctx context.Context, tableID string) {
	if s.refresher != nil {
		s.refresher.RefreshTable(ctx, tableID)
	}
}

// send is best effort; a failed notification never fails the action.
func (s *AdminService) send(channel string, n comm.Notification) {
	if err := s.rt.Send(channel, n); err != nil {
		log.Errorf("Error [AdminService.send] %s: %s", channel, err)
	}
}

func (s *AdminService) ApproveBuyIn(ctx context.Context, tableID, actorID, requestID string) (*models.BuyIn, error) {
	done, err := s.begin(requestID)
	if err != nil {
		return nil, err
	}
	defer done()

	if err := s.requireAdmin(ctx, tableID, actorID); err != nil {
		return nil, err
	}
	r, err := s.rows.GetBuyInRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.TableID != tableID {
		return nil, gateway.ErrNotFound
	}

	b, err := s.rows.ApproveBuyInRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"table_id": tableID, "player_id": r.PlayerID}).Infof("buy-in %s approved", b.Amount.StringFixed(2))

	s.refresh(ctx, tableID)
	s.send(comm.UserChannel(r.PlayerID), comm.Notification{
		Type:      comm.NoticeBuyInApproved,
		TableID:   tableID,
		PlayerID:  r.PlayerID,
		RequestID: r.ID,
		Amount:    b.Amount,
		Message:   "Your buy-in of " + b.Amount.StringFixed(2) + " was approved",
	})
	s.send(comm.TableChannel(tableID), comm.Notification{
		Type:      comm.NoticeTotalsChanged,
		TableID:   tableID,
		PlayerID:  r.PlayerID,
		RequestID: r.ID,
		Amount:    b.Amount,
	})
	return b, nil
}

func (s *AdminService) RejectBuyIn(ctx context.Context, tableID, actorID, requestID string) (*models.BuyInRequest, error) {
	done, err := s.begin(requestID)
	if err != nil {
		return nil, err
	}
	defer done()

	if err := s.requireAdmin(ctx, tableID, actorID); err != nil {
		return nil, err
	}
	r, err := s.rows.GetBuyInRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.TableID != tableID {
		return nil, gateway.ErrNotFound
	}

	r, err = s.rows.RejectBuyInRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, tableID)
	return r, nil
}

func (s *AdminService) ApproveJoin(ctx context.Context, tableID, actorID, requestID string) (*models.Membership, error) {
	done, err := s.begin(requestID)
	if err != nil {
		return nil, err
	}
	defer done()

	if err := s.requireAdmin(ctx, tableID, actorID); err != nil {
		return nil, err
	}
	jr, err := s.rows.GetJoinRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if jr.TableID != tableID {
		return nil, gateway.ErrNotFound
	}

	m, err := s.rows.ApproveJoinRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"table_id": tableID, "player_id": jr.PlayerID}).Info("join approved")

	s.refresh(ctx, tableID)
	s.send(comm.UserChannel(jr.PlayerID), comm.Notification{
		Type:      comm.NoticeJoinApproved,
		TableID:   tableID,
		PlayerID:  jr.PlayerID,
		RequestID: jr.ID,
		Message:   "You have been approved to join the table",
	})
	return m, nil
}

func (s *AdminService) RejectJoin(ctx context.Context, tableID, actorID, requestID string) (*models.JoinRequest, error) {
	done, err := s.begin(requestID)
	if err != nil {
		return nil, err
	}
	defer done()

	if err := s.requireAdmin(ctx, tableID, actorID); err != nil {
		return nil, err
	}
	jr, err := s.rows.GetJoinRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if jr.TableID != tableID {
		return nil, gateway.ErrNotFound
	}

	jr, err = s.rows.RejectJoinRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	s.refresh(ctx, tableID)
	s.send(comm.UserChannel(jr.PlayerID), comm.Notification{
		Type:      comm.NoticeJoinRejected,
		TableID:   tableID,
		PlayerID:  jr.PlayerID,
		RequestID: jr.ID,
		Message:   "Your request to join was declined",
	})
	return jr, nil
}
