package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	codeAttempts   = 20
	maxTableName   = 48
	alertTimeout   = 10 * time.Second
	maxBuyInDigits = 2
)

var maxBuyIn = decimal.NewFromInt(1_000_000)

// Alerter is told about new buy-in requests outside the app.
type Alerter interface {
	BuyInRequested(tableName, playerName string, amount decimal.Decimal)
}

type TableService struct {
	rows    gateway.Rows
	rt      gateway.Realtime
	alerter Alerter
	newCode func() string
}

func NewTableService(rows gateway.Rows, rt gateway.Realtime, alerter Alerter) *TableService {
	return &TableService{rows: rows, rt: rt, alerter: alerter, newCode: randomCode}
}

func randomCode() string {
	return fmt.Sprintf("%04d", rand.Intn(10000))
}

// ValidJoinCode reports whether code is exactly four digits.
func ValidJoinCode(code string) bool {
	if len(code) != 4 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// CreateTable creates a table administered by adminID, who becomes its first active member.
// Codes are drawn until one is free among active tables.
func (s *TableService) CreateTable(ctx context.Context, adminID, name string) (*models.Table, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("table name is required")
	}
	if len(name) > maxTableName {
		return nil, invalid("table name must be at most %d characters", maxTableName)
	}
	if _, err := s.rows.GetPlayer(ctx, adminID); err != nil {
		return nil, err
	}

	for i := 0; i < codeAttempts; i++ {
		t, err := s.rows.CreateTable(ctx, models.Table{Name: name, JoinCode: s.newCode(), AdminPlayerID: adminID})
		if errors.Is(err, gateway.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"table_id": t.ID, "admin": adminID}).Infof("table %q created with code %s", t.Name, t.JoinCode)
		return t, nil
	}
	return nil, fmt.Errorf("no free join code after %d attempts", codeAttempts)
}

func (s *TableService) GetTable(ctx context.Context, id string) (*models.Table, error) {
	return s.rows.GetTable(ctx, id)
}

func (s *TableService) Membership(ctx context.Context, tableID, playerID string) (*models.Membership, error) {
	return s.rows.GetMembership(ctx, tableID, playerID)
}

// JoinResult tells the caller whether the player is already seated or waiting on the admin.
type JoinResult struct {
	Table   *models.Table       `json:"table"`
	Request *models.JoinRequest `json:"request,omitempty"`
	Member  bool                `json:"member"`
}

// JoinByCode looks up the active table with code and files a join request for playerID.
// Active members are let straight in; a second request while one is pending returns it.
func (s *TableService) JoinByCode(ctx context.Context, playerID, code string) (*JoinResult, error) {
	code = strings.TrimSpace(code)
	if !ValidJoinCode(code) {
		return nil, invalid("join code must be 4 digits")
	}
	if _, err := s.rows.GetPlayer(ctx, playerID); err != nil {
		return nil, err
	}

	t, err := s.rows.GetActiveTableByCode(ctx, code)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, fmt.Errorf("no active table with code %s: %w", code, err)
		}
		return nil, err
	}

	m, err := s.rows.GetMembership(ctx, t.ID, playerID)
	switch {
	case err == nil && m.Status == models.MemberActive:
		return &JoinResult{Table: t, Member: true}, nil
	case err != nil && !errors.Is(err, gateway.ErrNotFound):
		return nil, err
	}

	jr, err := s.rows.CreateJoinRequest(ctx, t.ID, playerID)
	if err != nil {
		return nil, err
	}
	return &JoinResult{Table: t, Request: jr}, nil
}

func validAmount(amount decimal.Decimal) error {
	switch {
	case amount.IsZero():
		return invalid("amount must not be zero")
	case amount.Abs().GreaterThan(maxBuyIn):
		return invalid("amount must be at most %s", maxBuyIn.String())
	case !amount.Equal(amount.Round(maxBuyInDigits)):
		return invalid("amount must have at most %d decimals", maxBuyInDigits)
	}
	return nil
}

// requireActiveMember loads the table and checks playerID is seated at it.
func (s *TableService) requireActiveMember(ctx context.Context, tableID, playerID string) (*models.Table, error) {
	t, err := s.rows.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TableEnded {
		return nil, ErrTableEnded
	}
	m, err := s.rows.GetMembership(ctx, tableID, playerID)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, err
	}
	if m.Status == models.MemberInactive {
		return nil, ErrNotMember
	}
	return t, nil
}

// RequestBuyIn files a signed buy-in request and tells the admin about it. Negative amounts
// are cash-outs.
func (s *TableService) RequestBuyIn(ctx context.Context, tableID, playerID string, amount decimal.Decimal) (*models.BuyInRequest, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	t, err := s.requireActiveMember(ctx, tableID, playerID)
	if err != nil {
		return nil, err
	}

	r, err := s.rows.CreateBuyInRequest(ctx, models.BuyInRequest{TableID: tableID, PlayerID: playerID, Amount: amount})
	if err != nil {
		return nil, err
	}

	n := comm.Notification{
		Type:      comm.NoticeBuyInRequested,
		TableID:   tableID,
		PlayerID:  playerID,
		RequestID: r.ID,
		Amount:    amount,
	}
	if err := s.rt.Send(comm.AdminChannel(tableID), n); err != nil {
		log.Errorf("Error [TableService.RequestBuyIn] notify admin: %s", err)
	}

	if s.alerter != nil {
		go s.alert(t.Name, playerID, amount)
	}
	return r, nil
}

func (s *TableService) alert(tableName, playerID string, amount decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	name := playerID
	if p, err := s.rows.GetPlayer(ctx, playerID); err == nil {
		name = p.Name
	}
	s.alerter.BuyInRequested(tableName, name, amount)
}

// ExitTable marks the player's membership inactive. Their ledger stays untouched.
func (s *TableService) ExitTable(ctx context.Context, tableID, playerID string) error {
	if _, err := s.rows.GetMembership(ctx, tableID, playerID); err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return ErrNotMember
		}
		return err
	}
	_, err := s.rows.SetMembershipStatus(ctx, tableID, playerID, models.MemberInactive)
	return err
}

// EndTable closes the table for good and frees its join code.
func (s *TableService) EndTable(ctx context.Context, tableID, actorID string) error {
	t, err := s.rows.GetTable(ctx, tableID)
	if err != nil {
		return err
	}
	if t.AdminPlayerID != actorID {
		return ErrNotAdmin
	}
	if t.Status == models.TableEnded {
		return nil
	}
	if err := s.rows.EndTable(ctx, tableID); err != nil {
		return err
	}

	n := comm.Notification{Type: comm.NoticeTableEnded, TableID: tableID, Message: "The table has ended"}
	if err := s.rt.Send(comm.TableChannel(tableID), n); err != nil {
		log.Errorf("Error [TableService.EndTable] broadcast: %s", err)
	}
	return nil
}
