// Package presence polls the directory, notification and request sources and
// reconciles them with pushed updates.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-session/internal/models"
	"chat-session/internal/observability"
)

const DefaultInterval = 10 * time.Second

type Directory interface {
	Participants(ctx context.Context) ([]models.Participant, error)
}

type NotificationStore interface {
	List(ctx context.Context) ([]models.NotificationItem, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
}

type RequestCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// Alerter is told how many chat requests arrived since the previous poll.
type Alerter interface {
	NewRequests(delta int)
}

type AlerterFunc func(delta int)

func (f AlerterFunc) NewRequests(delta int) { f(delta) }

// Sources groups the poll inputs. Nil sources are skipped.
type Sources struct {
	Directory     Directory
	Notifications NotificationStore
	Requests      RequestCounter
	Alerter       Alerter
}

type readMark struct {
	seq uint64
	at  time.Time
}

type Poller struct {
	src      Sources
	interval time.Duration
	now      func() time.Time
	newID    func() string

	mu               sync.RWMutex
	participants     map[string]models.Participant
	participantOrder []string
	items            []models.NotificationItem
	unread           int
	lastCount        int
	requestAlerts    int
	seq              uint64
	marks            map[models.NotificationKey]uint64
	localReads       map[models.NotificationKey]struct{}
	allRead          readMark
	gen              uint64
	cancel           context.CancelFunc
	done             chan struct{}
}

func NewPoller(src Sources, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		src:          src,
		interval:     interval,
		now:          time.Now,
		newID:        uuid.NewString,
		participants: make(map[string]models.Participant),
		marks:        make(map[models.NotificationKey]uint64),
		localReads:   make(map[models.NotificationKey]struct{}),
	}
}

// Run polls immediately and then on every interval until ctx is cancelled or
// Stop is called. It returns once the loop has exited.
func (p *Poller) Run(ctx context.Context) {
	ctx, cancel, gen, done := p.begin(ctx)
	p.loop(ctx, cancel, gen, done)
}

// Start is Run on a new goroutine. The loop is registered before Start
// returns, so a following Stop always waits for it.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel, gen, done := p.begin(ctx)
	go p.loop(ctx, cancel, gen, done)
}

func (p *Poller) begin(parent context.Context) (context.Context, context.CancelFunc, uint64, chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()
	return ctx, cancel, gen, done
}

func (p *Poller) loop(ctx context.Context, cancel context.CancelFunc, gen uint64, done chan struct{}) {
	defer close(done)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, gen)
		}
	}
}

// Stop cancels the running loop and waits for it to exit. Results of a cycle
// still in flight are discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.gen++
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// PollOnce runs a single cycle outside the loop.
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.RLock()
	gen := p.gen
	p.mu.RUnlock()
	p.poll(ctx, gen)
}

func (p *Poller) poll(ctx context.Context, gen uint64) {
	p.mu.Lock()
	p.seq++
	start := p.seq
	p.mu.Unlock()

	var (
		participants []models.Participant
		items        []models.NotificationItem
		count        int
		dirErr       error
		notifErr     error
		countErr     error
	)
	if p.src.Directory != nil {
		participants, dirErr = p.src.Directory.Participants(ctx)
	}
	if p.src.Notifications != nil {
		items, notifErr = p.src.Notifications.List(ctx)
	}
	if p.src.Requests != nil {
		count, countErr = p.src.Requests.PendingCount(ctx)
	}
	if ctx.Err() != nil {
		return
	}

	delta := 0
	var pending []string
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	if p.src.Directory != nil {
		if dirErr != nil {
			log.Printf("presence: directory poll failed: %v", dirErr)
			observability.IncPollError("directory")
		} else {
			p.setParticipantsLocked(participants)
		}
	}
	if p.src.Notifications != nil {
		if notifErr != nil {
			log.Printf("presence: notification poll failed: %v", notifErr)
			observability.IncPollError("notifications")
		} else {
			pending = p.reconcileLocked(items, start)
		}
	}
	if p.src.Requests != nil {
		if countErr != nil {
			log.Printf("presence: request count poll failed: %v", countErr)
			observability.IncPollError("requests")
		} else {
			if count > p.lastCount {
				delta = count - p.lastCount
				p.requestAlerts += delta
			}
			p.lastCount = count
		}
	}
	p.mu.Unlock()

	p.syncReads(ctx, pending)
	if delta > 0 && p.src.Alerter != nil {
		p.src.Alerter.NewRequests(delta)
	}
}

// ApplyPush records a pushed notification. Pushes whose message and creation
// time match an item already present are ignored.
func (p *Poller) ApplyPush(message string, createdAt time.Time) bool {
	if createdAt.IsZero() {
		createdAt = p.now()
	}
	item := models.NotificationItem{
		ID:        p.newID(),
		Message:   message,
		CreatedAt: createdAt,
		Local:     true,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	key := item.Key()
	for _, it := range p.items {
		if it.Key() == key {
			return false
		}
	}
	merged := make([]models.NotificationItem, 0, len(p.items)+1)
	merged = append(merged, item)
	merged = append(merged, p.items...)
	p.items = merged
	p.recountLocked()
	return true
}

// ApplySnapshot replaces the notification list with a poll result taken now.
func (p *Poller) ApplySnapshot(items []models.NotificationItem) {
	p.mu.Lock()
	p.seq++
	pending := p.reconcileLocked(items, p.seq)
	p.mu.Unlock()

	p.syncReads(context.Background(), pending)
}

// reconcileLocked replaces the list with snapshot, keeping unconfirmed pushed
// items at the head. Read flags come from the snapshot unless the user marked
// the item after the cycle that produced it started, or marked it while it was
// still push-only. The ids of snapshot items read only through such a
// push-only mark are returned so the store can be told.
func (p *Poller) reconcileLocked(snapshot []models.NotificationItem, start uint64) []string {
	confirmed := make(map[models.NotificationKey]struct{}, len(snapshot))
	for _, it := range snapshot {
		confirmed[it.Key()] = struct{}{}
	}

	merged := make([]models.NotificationItem, 0, len(snapshot)+len(p.items))
	seen := make(map[models.NotificationKey]struct{}, len(snapshot)+len(p.items))
	for _, it := range p.items {
		if !it.Local {
			continue
		}
		if _, ok := confirmed[it.Key()]; ok {
			continue
		}
		seen[it.Key()] = struct{}{}
		merged = append(merged, it)
	}

	var pending []string
	for _, it := range snapshot {
		key := it.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		it.Local = false
		if _, ok := p.localReads[key]; ok {
			delete(p.localReads, key)
			if !it.Read {
				it.Read = true
				pending = append(pending, it.ID)
			}
		}
		if !it.Read && p.markedAfterLocked(it, start) {
			it.Read = true
		}
		merged = append(merged, it)
	}
	p.items = merged

	for key, seq := range p.marks {
		if seq <= start {
			delete(p.marks, key)
		}
	}
	p.recountLocked()
	return pending
}

// syncReads tells the store about reads made before it knew the items.
func (p *Poller) syncReads(ctx context.Context, ids []string) {
	if p.src.Notifications == nil {
		return
	}
	for _, id := range ids {
		if err := p.src.Notifications.MarkRead(ctx, id); err != nil {
			log.Printf("presence: mark notification=%s read failed: %v", id, err)
			observability.IncPollError("notifications_sync")
		}
	}
}

func (p *Poller) markedAfterLocked(it models.NotificationItem, start uint64) bool {
	if seq, ok := p.marks[it.Key()]; ok && seq > start {
		return true
	}
	return p.allRead.seq > start && !it.CreatedAt.After(p.allRead.at)
}

func (p *Poller) recountLocked() {
	unread := 0
	for _, it := range p.items {
		if !it.Read {
			unread++
		}
	}
	p.unread = unread
}

// MarkRead marks one notification read locally and then syncs the store.
// Store failures are logged; the local mark stays.
func (p *Poller) MarkRead(ctx context.Context, id string) bool {
	p.mu.Lock()
	var target *models.NotificationItem
	for i := range p.items {
		if p.items[i].ID == id {
			target = &p.items[i]
			break
		}
	}
	if target == nil || target.Read {
		p.mu.Unlock()
		return false
	}
	target.Read = true
	local := target.Local
	p.seq++
	p.marks[target.Key()] = p.seq
	if local {
		p.localReads[target.Key()] = struct{}{}
	}
	p.recountLocked()
	p.mu.Unlock()

	if local || p.src.Notifications == nil {
		return true
	}
	if err := p.src.Notifications.MarkRead(ctx, id); err != nil {
		log.Printf("presence: mark notification=%s read failed: %v", id, err)
		observability.IncPollError("notifications_sync")
	}
	return true
}

// MarkAllRead marks every notification read locally and then syncs the store.
func (p *Poller) MarkAllRead(ctx context.Context) {
	p.mu.Lock()
	for i := range p.items {
		if p.items[i].Local && !p.items[i].Read {
			p.localReads[p.items[i].Key()] = struct{}{}
		}
		p.items[i].Read = true
	}
	p.seq++
	p.allRead = readMark{seq: p.seq, at: p.now()}
	p.recountLocked()
	p.mu.Unlock()

	if p.src.Notifications == nil {
		return
	}
	if err := p.src.Notifications.MarkAllRead(ctx); err != nil {
		log.Printf("presence: mark all notifications read failed: %v", err)
		observability.IncPollError("notifications_sync")
	}
}

// ApplyPresence updates the online flag of a known participant. The id may be
// either the participant id or its login id.
func (p *Poller) ApplyPresence(id string, online bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pid := range p.participantOrder {
		part := p.participants[pid]
		if part.ID != id && (part.LoginID == "" || part.LoginID != id) {
			continue
		}
		part.Online = online
		p.participants[pid] = part
		return true
	}
	return false
}

// Participant looks up a directory entry from the last poll.
func (p *Poller) Participant(id string) (models.Participant, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	part, ok := p.participants[id]
	return part, ok
}

// Resolve satisfies requests.Resolver using the last directory snapshot.
func (p *Poller) Resolve(_ context.Context, id string) (models.Participant, error) {
	if part, ok := p.Participant(id); ok {
		return part, nil
	}
	return models.Participant{}, ErrUnknownParticipant
}

func (p *Poller) Participants() []models.Participant {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Participant, 0, len(p.participantOrder))
	for _, id := range p.participantOrder {
		out = append(out, p.participants[id])
	}
	return out
}

func (p *Poller) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, part := range p.participants {
		if part.Online {
			n++
		}
	}
	return n
}

// Notifications returns the reconciled list, newest pushes first.
func (p *Poller) Notifications() []models.NotificationItem {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]models.NotificationItem(nil), p.items...)
}

func (p *Poller) UnreadNotifications() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.unread
}

// RequestAlerts returns the number of new requests announced since the last
// ClearRequestAlerts.
func (p *Poller) RequestAlerts() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.requestAlerts
}

func (p *Poller) ClearRequestAlerts() {
	p.mu.Lock()
	p.requestAlerts = 0
	p.mu.Unlock()
}

func (p *Poller) setParticipantsLocked(list []models.Participant) {
	next := make(map[string]models.Participant, len(list))
	order := make([]string, 0, len(list))
	for _, part := range list {
		if _, dup := next[part.ID]; dup {
			continue
		}
		next[part.ID] = part
		order = append(order, part.ID)
	}
	p.participants = next
	p.participantOrder = order
}
