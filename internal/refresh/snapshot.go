package refresh

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stakestream/internal/model"
)

// PositionView is a position with its phase and live balance at snapshot time.
type PositionView struct {
	model.StakePosition
	Phase        model.Phase `json:"phase"`
	Active       bool        `json:"active"`
	LiveBalance  float64     `json:"live_balance"`
	LiveValueUSD float64     `json:"live_value_usd"`
}

// HoldingView is a holding with its phase.
type HoldingView struct {
	model.UnstakedHolding
	Phase model.Phase `json:"phase"`
}

// Snapshot is a value copy of the orchestrator state.
type Snapshot struct {
	Account   common.Address `json:"account"`
	CycleID   string         `json:"cycle_id"`
	Loaded    bool           `json:"loaded"`
	Positions []PositionView `json:"positions"`
	Holdings  []HoldingView  `json:"holdings"`
	Active    []string       `json:"active"`
	Error     string         `json:"error,omitempty"`
	Err       error          `json:"-"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := Snapshot{
		Account:   o.account,
		CycleID:   o.cycleID,
		Loaded:    o.loaded,
		Positions: make([]PositionView, 0, len(o.positionKeys)),
		Holdings:  make([]HoldingView, 0, len(o.holdingKeys)),
		Active:    o.activeKeysLocked(),
		Err:       o.loadErr,
		UpdatedAt: o.updatedAt,
	}
	if o.loadErr != nil {
		snap.Error = o.loadErr.Error()
	}
	for _, key := range o.positionKeys {
		pos := o.positions[key].Clone()
		live, _ := o.liveBalanceLocked(key)
		_, active := o.active[key]
		snap.Positions = append(snap.Positions, PositionView{
			StakePosition: pos,
			Phase:         o.phases[key],
			Active:        active,
			LiveBalance:   live,
			LiveValueUSD:  pos.ValueUSD(live),
		})
	}
	for _, key := range o.holdingKeys {
		snap.Holdings = append(snap.Holdings, HoldingView{
			UnstakedHolding: o.holdings[key].Clone(),
			Phase:           o.phases[key],
		})
	}
	return snap
}

// Subscribe returns a channel that receives a snapshot after every phase
// transition. Only the latest snapshot is buffered; slow readers skip
// intermediate ones. The cancel func unsubscribes and closes the channel.
// After Close the returned channel is already closed.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	o.subMu.Lock()
	if o.isClosed() {
		o.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if sub, ok := o.subs[id]; ok {
			close(sub)
			delete(o.subs, id)
		}
	}
}

func (o *Orchestrator) publish() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if len(o.subs) == 0 {
		return
	}
	snap := o.Snapshot()
	for _, ch := range o.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
