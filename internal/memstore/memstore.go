// Package memstore is an in-process ledger store with the same semantics as the
// PostgreSQL store: record-not-found and duplicated-key errors from gorm, guarded
// balance updates and all-or-nothing transactions. It backs local runs without a
// database and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nailart-academy/referrals/internal/dbconnector"
	apperrors "github.com/nailart-academy/referrals/internal/errors"
	"gorm.io/gorm"
)

type txKey struct{}

type state struct {
	partners      map[uint]dbconnector.Partner
	trackings     map[uint]dbconnector.ReferralTracking
	rewards       map[uint]dbconnector.RewardEntry
	withdrawals   map[uint]dbconnector.WithdrawalRequest
	notifications map[uint]dbconnector.Notification
	admins        map[uint]dbconnector.Admin
	lastID        map[string]uint
}

func newState() *state {
	return &state{
		partners:      map[uint]dbconnector.Partner{},
		trackings:     map[uint]dbconnector.ReferralTracking{},
		rewards:       map[uint]dbconnector.RewardEntry{},
		withdrawals:   map[uint]dbconnector.WithdrawalRequest{},
		notifications: map[uint]dbconnector.Notification{},
		admins:        map[uint]dbconnector.Admin{},
		lastID:        map[string]uint{},
	}
}

func cloneMap[T any](src map[uint]T) map[uint]T {
	dst := make(map[uint]T, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// clone copies the tables. Rows are values and their pointer fields are
// always replaced, never mutated, so a shallow copy per row is enough.
func (st *state) clone() *state {
	lastID := make(map[string]uint, len(st.lastID))
	for k, v := range st.lastID {
		lastID[k] = v
	}
	return &state{
		partners:      cloneMap(st.partners),
		trackings:     cloneMap(st.trackings),
		rewards:       cloneMap(st.rewards),
		withdrawals:   cloneMap(st.withdrawals),
		notifications: cloneMap(st.notifications),
		admins:        cloneMap(st.admins),
		lastID:        lastID,
	}
}

func (st *state) nextID(table string) uint {
	st.lastID[table]++
	return st.lastID[table]
}

type Store struct {
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

func New() *Store {
	return &Store{data: newState(), now: time.Now}
}

// lock takes the store mutex unless ctx already runs inside a transaction.
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InTransaction serializes fn against every other store call and restores the
// previous state when fn fails.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// partners

func (s *Store) GetPartnerByID(ctx context.Context, partnerID uint, partner *dbconnector.Partner) error {
	defer s.lock(ctx)()
	p, ok := s.data.partners[partnerID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	*partner = p
	return nil
}

func (s *Store) GetPartnerByIDForUpdate(ctx context.Context, partnerID uint, partner *dbconnector.Partner) error {
	return s.GetPartnerByID(ctx, partnerID, partner)
}

func (s *Store) GetPartnerByCode(ctx context.Context, code string, partner *dbconnector.Partner) error {
	defer s.lock(ctx)()
	for _, p := range s.data.partners {
		if p.ReferralCode == code {
			*partner = p
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (s *Store) GetPartnerByEmail(ctx context.Context, email string, partner *dbconnector.Partner) error {
	defer s.lock(ctx)()
	for _, p := range s.data.partners {
		if p.Email == email {
			*partner = p
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (s *Store) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	defer s.lock(ctx)()
	for _, p := range s.data.partners {
		if p.ReferralCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) AddPartner(ctx context.Context, partner *dbconnector.Partner) error {
	defer s.lock(ctx)()
	for _, p := range s.data.partners {
		if p.Email == partner.Email || p.ReferralCode == partner.ReferralCode {
			return gorm.ErrDuplicatedKey
		}
	}
	partner.ID = s.data.nextID("partners")
	partner.CreatedAt = s.now()
	partner.UpdatedAt = partner.CreatedAt
	if partner.Level == "" {
		partner.Level = dbconnector.LevelNovice
	}
	s.data.partners[partner.ID] = *partner
	return nil
}

func (s *Store) SetPartnerActive(ctx context.Context, partnerID uint, active bool) error {
	defer s.lock(ctx)()
	p, ok := s.data.partners[partnerID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.IsActive = active
	p.UpdatedAt = s.now()
	s.data.partners[partnerID] = p
	return nil
}

func (s *Store) SetPartnerLevel(ctx context.Context, partnerID uint, level dbconnector.Level) error {
	defer s.lock(ctx)()
	p, ok := s.data.partners[partnerID]
	if !ok {
		return nil
	}
	p.Level = level
	s.data.partners[partnerID] = p
	return nil
}

func (s *Store) ApplyBalanceDelta(ctx context.Context, partnerID uint, delta dbconnector.BalanceDelta) error {
	defer s.lock(ctx)()
	p, ok := s.data.partners[partnerID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	balance := p.CurrentBalance.Add(delta.Balance)
	if balance.IsNegative() {
		return apperrors.ErrInsufficientBalance
	}
	p.CurrentBalance = balance
	p.TotalEarnings = p.TotalEarnings.Add(delta.Earnings)
	p.WithdrawnAmount = p.WithdrawnAmount.Add(delta.Withdrawn)
	p.UpdatedAt = s.now()
	s.data.partners[partnerID] = p
	return nil
}

// tracking

func laterFirst(a, b *time.Time, idA, idB uint) bool {
	switch {
	case a != nil && b != nil && !a.Equal(*b):
		return a.After(*b)
	case a != nil && b == nil:
		return true
	case a == nil && b != nil:
		return false
	}
	return idA > idB
}

func (s *Store) findTracking(match func(dbconnector.ReferralTracking) bool, key func(dbconnector.ReferralTracking) *time.Time) (dbconnector.ReferralTracking, bool) {
	var found []dbconnector.ReferralTracking
	for _, t := range s.data.trackings {
		if match(t) {
			found = append(found, t)
		}
	}
	if len(found) == 0 {
		return dbconnector.ReferralTracking{}, false
	}
	sort.Slice(found, func(i, j int) bool {
		return laterFirst(key(found[i]), key(found[j]), found[i].ID, found[j].ID)
	})
	return found[0], true
}

func visitedAt(t dbconnector.ReferralTracking) *time.Time    { return t.VisitedAt }
func registeredAt(t dbconnector.ReferralTracking) *time.Time { return t.RegisteredAt }

func (s *Store) FindRecentVisit(ctx context.Context, partnerID uint, ip, userAgent string, since time.Time, tracking *dbconnector.ReferralTracking) error {
	defer s.lock(ctx)()
	t, ok := s.findTracking(func(t dbconnector.ReferralTracking) bool {
		return t.PartnerID == partnerID && t.VisitorIP == ip && t.VisitorUserAgent == userAgent &&
			t.VisitedAt != nil && t.VisitedAt.After(since)
	}, visitedAt)
	if !ok {
		return gorm.ErrRecordNotFound
	}
	*tracking = t
	return nil
}

func (s *Store) FindUnlinkedVisit(ctx context.Context, partnerID uint, ip, userAgent string, tracking *dbconnector.ReferralTracking) error {
	defer s.lock(ctx)()
	unlinked := func(t dbconnector.ReferralTracking) bool {
		return t.PartnerID == partnerID && t.UserID == nil && t.Status == dbconnector.TrackingVisited
	}
	if ip != "" {
		t, ok := s.findTracking(func(t dbconnector.ReferralTracking) bool {
			return unlinked(t) && t.VisitorIP == ip && t.VisitorUserAgent == userAgent
		}, visitedAt)
		if ok {
			*tracking = t
			return nil
		}
	}
	t, ok := s.findTracking(unlinked, visitedAt)
	if !ok {
		return gorm.ErrRecordNotFound
	}
	*tracking = t
	return nil
}

func (s *Store) FindAttributionByUser(ctx context.Context, userID uint, tracking *dbconnector.ReferralTracking) error {
	defer s.lock(ctx)()
	t, ok := s.findTracking(func(t dbconnector.ReferralTracking) bool {
		return t.UserID != nil && *t.UserID == userID && t.Status != dbconnector.TrackingVisited
	}, registeredAt)
	if !ok {
		return gorm.ErrRecordNotFound
	}
	*tracking = t
	return nil
}

// attributionTaken mirrors the partial unique index on user_id.
func (s *Store) attributionTaken(t dbconnector.ReferralTracking) bool {
	if t.UserID == nil || t.Status == dbconnector.TrackingVisited {
		return false
	}
	for _, other := range s.data.trackings {
		if other.ID != t.ID && other.UserID != nil && *other.UserID == *t.UserID && other.Status != dbconnector.TrackingVisited {
			return true
		}
	}
	return false
}

func (s *Store) AddTracking(ctx context.Context, tracking *dbconnector.ReferralTracking) error {
	defer s.lock(ctx)()
	if _, ok := s.data.partners[tracking.PartnerID]; !ok {
		return gorm.ErrForeignKeyViolated
	}
	if s.attributionTaken(*tracking) {
		return gorm.ErrDuplicatedKey
	}
	tracking.ID = s.data.nextID("referral_trackings")
	tracking.CreatedAt = s.now()
	tracking.UpdatedAt = tracking.CreatedAt
	s.data.trackings[tracking.ID] = *tracking
	return nil
}

func (s *Store) UpdateTracking(ctx context.Context, tracking *dbconnector.ReferralTracking) error {
	defer s.lock(ctx)()
	if _, ok := s.data.trackings[tracking.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	if s.attributionTaken(*tracking) {
		return gorm.ErrDuplicatedKey
	}
	tracking.UpdatedAt = s.now()
	s.data.trackings[tracking.ID] = *tracking
	return nil
}

func (s *Store) GetTrackingCounters(ctx context.Context, partnerID uint) (dbconnector.TrackingCounters, error) {
	defer s.lock(ctx)()
	var counters dbconnector.TrackingCounters
	for _, t := range s.data.trackings {
		if t.PartnerID != partnerID {
			continue
		}
		switch t.Status {
		case dbconnector.TrackingVisited:
			counters.Visited++
		case dbconnector.TrackingRegistered:
			counters.Registered++
		case dbconnector.TrackingPurchased:
			counters.Purchased++
		}
	}
	return counters, nil
}

// rewards

func (s *Store) AddReward(ctx context.Context, reward *dbconnector.RewardEntry) error {
	defer s.lock(ctx)()
	if _, ok := s.data.partners[reward.PartnerID]; !ok {
		return gorm.ErrForeignKeyViolated
	}
	if reward.RewardType == dbconnector.RewardPurchase && reward.EnrollmentID != nil {
		for _, r := range s.data.rewards {
			if r.RewardType == dbconnector.RewardPurchase && r.EnrollmentID != nil && *r.EnrollmentID == *reward.EnrollmentID {
				return gorm.ErrDuplicatedKey
			}
		}
	}
	reward.ID = s.data.nextID("reward_entries")
	reward.CreatedAt = s.now()
	if reward.Status == "" {
		reward.Status = dbconnector.RewardApproved
	}
	s.data.rewards[reward.ID] = *reward
	return nil
}

func (s *Store) PurchaseRewardExists(ctx context.Context, enrollmentID uint) (bool, error) {
	defer s.lock(ctx)()
	for _, r := range s.data.rewards {
		if r.RewardType == dbconnector.RewardPurchase && r.EnrollmentID != nil && *r.EnrollmentID == enrollmentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetRewardsByPartnerID(ctx context.Context, partnerID uint, limit int, rewards *[]dbconnector.RewardEntry) error {
	defer s.lock(ctx)()
	var found []dbconnector.RewardEntry
	for _, r := range s.data.rewards {
		if r.PartnerID == partnerID {
			found = append(found, r)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID > found[j].ID })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	*rewards = found
	return nil
}

// withdrawals

func (s *Store) AddWithdrawal(ctx context.Context, withdrawal *dbconnector.WithdrawalRequest) error {
	defer s.lock(ctx)()
	if _, ok := s.data.partners[withdrawal.PartnerID]; !ok {
		return gorm.ErrForeignKeyViolated
	}
	if withdrawal.Status == dbconnector.WithdrawalPending {
		for _, w := range s.data.withdrawals {
			if w.PartnerID == withdrawal.PartnerID && w.Status == dbconnector.WithdrawalPending {
				return gorm.ErrDuplicatedKey
			}
		}
	}
	withdrawal.ID = s.data.nextID("withdrawal_requests")
	withdrawal.UpdatedAt = s.now()
	s.data.withdrawals[withdrawal.ID] = *withdrawal
	return nil
}

func (s *Store) GetWithdrawalByID(ctx context.Context, withdrawalID uint, withdrawal *dbconnector.WithdrawalRequest) error {
	defer s.lock(ctx)()
	w, ok := s.data.withdrawals[withdrawalID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	*withdrawal = w
	return nil
}

func (s *Store) GetWithdrawalByIDForUpdate(ctx context.Context, withdrawalID uint, withdrawal *dbconnector.WithdrawalRequest) error {
	return s.GetWithdrawalByID(ctx, withdrawalID, withdrawal)
}

func (s *Store) UpdateWithdrawal(ctx context.Context, withdrawal *dbconnector.WithdrawalRequest) error {
	defer s.lock(ctx)()
	if _, ok := s.data.withdrawals[withdrawal.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	withdrawal.UpdatedAt = s.now()
	s.data.withdrawals[withdrawal.ID] = *withdrawal
	return nil
}

func (s *Store) HasPendingWithdrawal(ctx context.Context, partnerID uint) (bool, error) {
	defer s.lock(ctx)()
	for _, w := range s.data.withdrawals {
		if w.PartnerID == partnerID && w.Status == dbconnector.WithdrawalPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetWithdrawals(ctx context.Context, filter dbconnector.WithdrawalFilter, withdrawals *[]dbconnector.WithdrawalRequest) error {
	defer s.lock(ctx)()
	var found []dbconnector.WithdrawalRequest
	for _, w := range s.data.withdrawals {
		if filter.PartnerID != 0 && w.PartnerID != filter.PartnerID {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		found = append(found, w)
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].RequestedAt.Equal(found[j].RequestedAt) {
			return found[i].RequestedAt.After(found[j].RequestedAt)
		}
		return found[i].ID > found[j].ID
	})
	if filter.Limit > 0 && len(found) > filter.Limit {
		found = found[:filter.Limit]
	}
	*withdrawals = found
	return nil
}

// notifications

func (s *Store) AddNotification(ctx context.Context, notification *dbconnector.Notification) error {
	defer s.lock(ctx)()
	notification.ID = s.data.nextID("notifications")
	notification.CreatedAt = s.now()
	s.data.notifications[notification.ID] = *notification
	return nil
}

func (s *Store) GetNotifications(ctx context.Context, partnerID uint, unreadOnly bool, limit int, notifications *[]dbconnector.Notification) error {
	defer s.lock(ctx)()
	var found []dbconnector.Notification
	for _, n := range s.data.notifications {
		if n.PartnerID != partnerID || (unreadOnly && n.IsRead) {
			continue
		}
		found = append(found, n)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].IsRead != found[j].IsRead {
			return !found[i].IsRead
		}
		return found[i].ID > found[j].ID
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	*notifications = found
	return nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, partnerID, notificationID uint) (bool, error) {
	defer s.lock(ctx)()
	n, ok := s.data.notifications[notificationID]
	if !ok || n.PartnerID != partnerID {
		return false, nil
	}
	n.IsRead = true
	s.data.notifications[notificationID] = n
	return true, nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, partnerID uint) error {
	defer s.lock(ctx)()
	for id, n := range s.data.notifications {
		if n.PartnerID == partnerID && !n.IsRead {
			n.IsRead = true
			s.data.notifications[id] = n
		}
	}
	return nil
}

// admins

func (s *Store) GetAdminByEmail(ctx context.Context, email string, admin *dbconnector.Admin) error {
	defer s.lock(ctx)()
	for _, a := range s.data.admins {
		if a.Email == email {
			*admin = a
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (s *Store) AddAdmin(ctx context.Context, admin *dbconnector.Admin) error {
	defer s.lock(ctx)()
	for _, a := range s.data.admins {
		if a.Email == admin.Email {
			return gorm.ErrDuplicatedKey
		}
	}
	admin.ID = s.data.nextID("admins")
	admin.CreatedAt = s.now()
	s.data.admins[admin.ID] = *admin
	return nil
}

// Rewards returns every ledger line of a partner, oldest first.
func (s *Store) Rewards(partnerID uint) []dbconnector.RewardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []dbconnector.RewardEntry
	for _, r := range s.data.rewards {
		if r.PartnerID == partnerID {
			found = append(found, r)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found
}
