// Package gateway is the boundary to the hosted data: row CRUD over the six collections,
// filtered row-change subscriptions and point-to-point channels. Postgres (store) and NATS
// (broker) implement it in production; memory.go implements it in-process.
package gateway

import (
	"context"
	"errors"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
)

// Collection names.
const (
	Players       = "players"
	Tables        = "poker_tables"
	Memberships   = "table_players"
	JoinRequests  = "join_requests"
	BuyInRequests = "buy_in_requests"
	BuyIns        = "buy_ins"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyResolved = errors.New("request already resolved")
	ErrNameTaken       = errors.New("player name already taken")
	ErrCodeTaken       = errors.New("join code already in use")
)

// Rows is the CRUD side of the gateway.
type Rows interface {
	CreatePlayer(ctx context.Context, p models.Player) (*models.Player, error)
	GetPlayer(ctx context.Context, id string) (*models.Player, error)
	GetPlayers(ctx context.Context, ids []string) (map[string]*models.Player, error)

	// CreateTable inserts the table and the admin's active membership atomically.
	CreateTable(ctx context.Context, t models.Table) (*models.Table, error)
	GetTable(ctx context.Context, id string) (*models.Table, error)
	GetActiveTableByCode(ctx context.Context, code string) (*models.Table, error)
	EndTable(ctx context.Context, id string) error

	ListMembers(ctx context.Context, tableID string) ([]*models.Membership, error)
	GetMembership(ctx context.Context, tableID, playerID string) (*models.Membership, error)
	SetMembershipStatus(ctx context.Context, tableID, playerID, status string) (*models.Membership, error)

	// CreateJoinRequest returns the live request when one is already pending.
	CreateJoinRequest(ctx context.Context, tableID, playerID string) (*models.JoinRequest, error)
	GetJoinRequest(ctx context.Context, id string) (*models.JoinRequest, error)
	LatestJoinRequest(ctx context.Context, tableID, playerID string) (*models.JoinRequest, error)
	ListPendingJoinRequests(ctx context.Context, tableID string) ([]*models.JoinRequest, error)
	// ApproveJoinRequest resolves the request and upserts the membership to active in one
	// unit. It fails with ErrAlreadyResolved unless the request was still pending.
	ApproveJoinRequest(ctx context.Context, id string) (*models.Membership, error)
	RejectJoinRequest(ctx context.Context, id string) (*models.JoinRequest, error)

	CreateBuyInRequest(ctx context.Context, r models.BuyInRequest) (*models.BuyInRequest, error)
	GetBuyInRequest(ctx context.Context, id string) (*models.BuyInRequest, error)
	ListPendingBuyInRequests(ctx context.Context, tableID string) ([]*models.BuyInRequest, error)
	// ApproveBuyInRequest resolves the request and writes its ledger entry in one unit.
	ApproveBuyInRequest(ctx context.Context, id string) (*models.BuyIn, error)
	RejectBuyInRequest(ctx context.Context, id string) (*models.BuyInRequest, error)

	// ListBuyIns returns the table's ledger newest first.
	ListBuyIns(ctx context.Context, tableID string) ([]*models.BuyIn, error)
}

type Subscription interface {
	Unsubscribe() error
}

// Realtime is the notification side of the gateway.
type Realtime interface {
	// SubscribeRows delivers changes of collection rows whose column equals value.
	SubscribeRows(collection, column, value string, fn func(models.RowChange)) (Subscription, error)
	SubscribeChannel(channel string, fn func(comm.Notification)) (Subscription, error)
	Send(channel string, n comm.Notification) error
}

// RowSubject is the subject a row change is published on.
func RowSubject(collection, column, value string) string {
	return "rows." + collection + "." + column + "." + value
}

// FilterColumns lists the columns a collection can be subscribed on.
func FilterColumns(collection string) []string {
	switch collection {
	case Tables, Players:
		return []string{"id"}
	default:
		return []string{"table_id", "player_id"}
	}
}
