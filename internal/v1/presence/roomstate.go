// Package presence implements the per-room two-party state machine:
// heartbeat ingestion, the online→offline→disconnected sweep, and the
// points side-effect that rides on heartbeats (spec.md §4.C).
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/metrics"
	"github.com/pairup/match-core/internal/v1/points"
)

// State is an occupant's position in the online→offline→disconnected machine.
type State string

const (
	StateOnline       State = "online"
	StateOffline      State = "offline"
	StateDisconnected State = "disconnected"
)

// RoomType mirrors roomstore.RoomType without importing it, so presence has
// no dependency on the durable store — only the type string matters here.
type RoomType string

const (
	Chat      RoomType = "CHAT"
	Call      RoomType = "CALL"
	VideoCall RoomType = "VIDEO_CALL"
)

// staleAfter is the silence window that demotes a slot one state (spec §4.C).
const staleAfter = 10 * time.Second

// pointsEvery is the heartbeat-count multiple that triggers a points award.
const pointsEvery = 10

const activeRoomsKey = "roomstate:active"

// Occupant is one slot's heartbeat bookkeeping.
type Occupant struct {
	UserID        string `json:"userId"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	Count         int    `json:"count"`
	State         State  `json:"state"`
}

// RoomState is the ephemeral presence record for a matched pair.
type RoomState struct {
	RoomID   string   `json:"roomId"`
	RoomType RoomType `json:"roomType"`
	User1    Occupant `json:"user1"`
	User2    Occupant `json:"user2"`
}

func roomKey(roomID string) string { return "room:" + roomID }

func nowMs() int64 { return time.Now().UnixMilli() }

// PointsLedger credits engagement points to a user. Backed in production by
// the external user-profile collaborator (spec.md §1); presence only needs
// to know how to call it.
type PointsLedger interface {
	Credit(ctx context.Context, userID string, amount int) error
}

// Store owns RoomState records in the KV store.
type Store struct {
	bus    *bus.Service
	ledger PointsLedger
}

// NewStore returns a Store that persists RoomState via svc and credits
// engagement points through ledger (pass nil to skip crediting, e.g. in
// tests that don't care about points).
func NewStore(svc *bus.Service, ledger PointsLedger) *Store {
	return &Store{bus: svc, ledger: ledger}
}

// Reason codes returned by Heartbeat on failure.
const (
	ReasonRoomNotFound  = "room_not_found"
	ReasonUserNotInRoom = "user_not_in_room"
)

// HeartbeatResult reports the outcome of ingesting one heartbeat.
type HeartbeatResult struct {
	OK        bool
	Count     int
	PeerState State
	Reason    string
}

// Init creates a RoomState immediately after Room creation: both occupants
// online, lastHeartbeat=now, count=0.
func (s *Store) Init(ctx context.Context, roomID string, roomType RoomType, user1ID, user2ID string) error {
	now := nowMs()
	rs := RoomState{
		RoomID:   roomID,
		RoomType: roomType,
		User1:    Occupant{UserID: user1ID, LastHeartbeat: now, Count: 0, State: StateOnline},
		User2:    Occupant{UserID: user2ID, LastHeartbeat: now, Count: 0, State: StateOnline},
	}
	if err := s.save(ctx, &rs); err != nil {
		return err
	}
	if err := s.bus.SetAdd(ctx, activeRoomsKey, roomID); err != nil {
		logging.Warn(ctx, "presence: failed to index new room state")
	}
	metrics.RoomsActive.Inc()
	return nil
}

// Heartbeat loads roomID's state and, if userID occupies a slot, refreshes
// that slot's lastHeartbeat and increments its count. Every pointsEvery'th
// heartbeat credits the user via the points ledger, with the award value a
// pure function of (count, roomType) (spec.md §4.C.1).
func (s *Store) Heartbeat(ctx context.Context, roomID, userID string) (HeartbeatResult, error) {
	rs, err := s.load(ctx, roomID)
	if errors.Is(err, errNotFound) {
		return HeartbeatResult{Reason: ReasonRoomNotFound}, nil
	}
	if err != nil {
		return HeartbeatResult{}, err
	}

	now := nowMs()
	var slot *Occupant
	var peer *Occupant
	switch userID {
	case rs.User1.UserID:
		slot, peer = &rs.User1, &rs.User2
	case rs.User2.UserID:
		slot, peer = &rs.User2, &rs.User1
	default:
		return HeartbeatResult{Reason: ReasonUserNotInRoom}, nil
	}

	slot.LastHeartbeat = now
	slot.Count++
	transitioned := slot.State != StateOnline
	if transitioned {
		slot.State = StateOnline
	}

	if err := s.save(ctx, rs); err != nil {
		return HeartbeatResult{}, err
	}
	if transitioned {
		metrics.RoomStateTransitionsTotal.WithLabelValues(string(StateOnline)).Inc()
	}

	if slot.Count%pointsEvery == 0 {
		if award, ok := s.awardFor(rs.RoomType, slot.Count); ok && award > 0 && s.ledger != nil {
			if err := s.ledger.Credit(ctx, userID, award); err != nil {
				logging.Warn(ctx, "presence: points credit failed")
			} else {
				metrics.PointsAwardedTotal.WithLabelValues(string(rs.RoomType)).Inc()
			}
		}
	}

	return HeartbeatResult{OK: true, Count: slot.Count, PeerState: peer.State}, nil
}

// awardFor maps a RoomState's type onto the points package's two curves.
// VIDEO_CALL does not warrant a points award: the source schema has no
// curve for it and crediting an undefined amount would be a guess.
func (s *Store) awardFor(roomType RoomType, count int) (int, bool) {
	switch roomType {
	case Chat:
		return points.Award(count, points.Chat), true
	case Call:
		return points.Award(count, points.Call), true
	default:
		return 0, false
	}
}

// Sweep runs one cycle of the demotion machine: online slots silent for
// longer than staleAfter become offline; offline slots still silent become
// disconnected. Rooms where either occupant is disconnected are then
// deleted. Returns the number of slot transitions and rooms deleted.
func (s *Store) Sweep(ctx context.Context) (transitions int, deleted int, err error) {
	roomIDs, err := s.bus.SetMembers(ctx, activeRoomsKey)
	if err != nil {
		return 0, 0, fmt.Errorf("presence: sweep list rooms: %w", err)
	}

	cutoff := nowMs() - staleAfter.Milliseconds()
	for _, roomID := range roomIDs {
		rs, err := s.load(ctx, roomID)
		if errors.Is(err, errNotFound) {
			s.forget(ctx, roomID)
			continue
		}
		if err != nil {
			logging.Warn(ctx, "presence: sweep load failed")
			continue
		}

		changed := false
		changed = demote(&rs.User1, cutoff, &transitions) || changed
		changed = demote(&rs.User2, cutoff, &transitions) || changed

		if rs.User1.State == StateDisconnected || rs.User2.State == StateDisconnected {
			if err := s.delete(ctx, roomID); err != nil {
				logging.Warn(ctx, "presence: sweep delete failed")
				continue
			}
			deleted++
			metrics.RoomsActive.Dec()
			continue
		}

		if changed {
			if err := s.save(ctx, rs); err != nil {
				logging.Warn(ctx, "presence: sweep save failed")
			}
		}
	}
	return transitions, deleted, nil
}

func demote(o *Occupant, cutoff int64, transitions *int) bool {
	if o.LastHeartbeat >= cutoff {
		return false
	}
	switch o.State {
	case StateOnline:
		o.State = StateOffline
		metrics.RoomStateTransitionsTotal.WithLabelValues(string(StateOffline)).Inc()
		*transitions++
		return true
	case StateOffline:
		o.State = StateDisconnected
		metrics.RoomStateTransitionsTotal.WithLabelValues(string(StateDisconnected)).Inc()
		*transitions++
		return true
	default:
		return false
	}
}

// Get returns the current RoomState, if any.
func (s *Store) Get(ctx context.Context, roomID string) (*RoomState, bool, error) {
	rs, err := s.load(ctx, roomID)
	if errors.Is(err, errNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rs, true, nil
}

// Delete removes a RoomState immediately, e.g. when a socket handler tears
// down a call room directly rather than waiting for the sweep.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	metrics.RoomsActive.Dec()
	return s.delete(ctx, roomID)
}

var errNotFound = errors.New("presence: room state not found")

func (s *Store) load(ctx context.Context, roomID string) (*RoomState, error) {
	raw, err := s.bus.Get(ctx, roomKey(roomID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("presence: load: %w", err)
	}
	var rs RoomState
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return nil, fmt.Errorf("presence: unmarshal: %w", err)
	}
	return &rs, nil
}

func (s *Store) save(ctx context.Context, rs *RoomState) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("presence: marshal: %w", err)
	}
	return s.bus.Set(ctx, roomKey(rs.RoomID), string(data), 0)
}

func (s *Store) delete(ctx context.Context, roomID string) error {
	if err := s.bus.Del(ctx, roomKey(roomID)); err != nil {
		return fmt.Errorf("presence: delete: %w", err)
	}
	s.forget(ctx, roomID)
	return nil
}

func (s *Store) forget(ctx context.Context, roomID string) {
	if err := s.bus.SetRem(ctx, activeRoomsKey, roomID); err != nil {
		logging.Warn(ctx, "presence: failed to unindex room state")
	}
}
