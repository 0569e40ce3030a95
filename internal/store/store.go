package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the channel has no record.
	ErrNotFound = errors.New("store: channel record not found")
	// ErrAlreadyExists indicates a duplicate creation attempt.
	ErrAlreadyExists = errors.New("store: channel record already exists")
)

// Store persists channel ownership records. Every read-modify-write runs
// inside a per-channel critical section so concurrent events for the same
// channel cannot drop each other's mutations; different channels proceed
// fully in parallel.
type Store struct {
	db    *gorm.DB
	mu    sync.Mutex
	locks map[string]*channelLock
}

type channelLock struct {
	sync.Mutex
	refs int
}

func New(db *gorm.DB) *Store {
	return &Store{
		db:    db,
		locks: make(map[string]*channelLock),
	}
}

// Migrate creates the backing table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&ChannelRecord{})
}

func (s *Store) acquire(channelID string) *channelLock {
	s.mu.Lock()
	l, ok := s.locks[channelID]
	if !ok {
		l = &channelLock{}
		s.locks[channelID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return l
}

func (s *Store) release(channelID string, l *channelLock) {
	l.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, channelID)
	}
	s.mu.Unlock()
}

func (s *Store) fetch(ctx context.Context, guildID, channelID string) (*ChannelRecord, error) {
	var row ChannelRecord
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND channel_id = ?", guildID, channelID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch channel record: %w", err)
	}
	return &row, nil
}

func (s *Store) save(ctx context.Context, row *ChannelRecord) error {
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("save channel record: %w", err)
	}
	return nil
}

// Create inserts the record for a freshly created channel with the creating
// user seeded as sole admin. Returns ErrAlreadyExists on a duplicate.
func (s *Store) Create(ctx context.Context, guildID, channelID, initialAdmin string) error {
	l := s.acquire(channelID)
	defer s.release(channelID, l)

	if _, err := s.fetch(ctx, guildID, channelID); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	row := ChannelRecord{
		GuildID:   guildID,
		ChannelID: channelID,
		AdminList: encodeList([]string{initialAdmin}),
		BanList:   encodeList(nil),
		Claimable: false,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create channel record: %w", err)
	}
	return nil
}

// Get returns the decoded record or ErrNotFound.
func (s *Store) Get(ctx context.Context, guildID, channelID string) (Record, error) {
	row, err := s.fetch(ctx, guildID, channelID)
	if err != nil {
		return Record{}, err
	}
	rec, err := row.decode()
	if err != nil {
		return Record{}, fmt.Errorf("decode channel record: %w", err)
	}
	return rec, nil
}

// AddAdmin puts the user in the admin set and clears claimability. Adding
// an existing admin is a no-op success; the returned bool reports whether
// the set changed.
func (s *Store) AddAdmin(ctx context.Context, guildID, channelID, userID string) (bool, error) {
	l := s.acquire(channelID)
	defer s.release(channelID, l)

	row, err := s.fetch(ctx, guildID, channelID)
	if err != nil {
		return false, err
	}

	admins := decodeList(row.AdminList)
	changed := false
	if !contains(admins, userID) {
		admins = append(admins, userID)
		changed = true
	}

	row.AdminList = encodeList(admins)
	row.Claimable = false
	if err := s.save(ctx, row); err != nil {
		return false, err
	}
	return changed, nil
}

// RemoveAdmin drops the user from the admin set. When the removal empties
// the set, the channel becomes claimable and the user is remembered as its
// last owner, all in the same write. Removing an absent admin is a no-op
// success. claimOpened is true only when this call flipped claimability on.
func (s *Store) RemoveAdmin(ctx context.Context, guildID, channelID, userID string) (removed, claimOpened bool, err error) {
	l := s.acquire(channelID)
	defer s.release(channelID, l)

	row, err := s.fetch(ctx, guildID, channelID)
	if err != nil {
		return false, false, err
	}

	admins := decodeList(row.AdminList)
	if !contains(admins, userID) {
		return false, false, nil
	}

	claimableBefore := row.Claimable
	admins = remove(admins, userID)
	row.AdminList = encodeList(admins)
	if len(admins) == 0 {
		row.Claimable = true
		row.LastOwner = userID
	}
	if err := s.save(ctx, row); err != nil {
		return false, false, err
	}
	return true, row.Claimable && !claimableBefore, nil
}

// DemoteAdmin strips admin rights without departure bookkeeping: the
// demoted user is never recorded as last owner, so they cannot slip back in
// through restoration. Emptying the set still opens the channel for claims.
func (s *Store) DemoteAdmin(ctx context.Context, guildID, channelID, userID string) (removed, claimOpened bool, err error) {
	l := s.acquire(channelID)
	defer s.release(channelID, l)

	row, err := s.fetch(ctx, guildID, channelID)
	if err != nil {
		return false, false, err
	}

	admins := decodeList(row.AdminList)
	if !contains(admins, userID) {
		return false, false, nil
	}

	claimableBefore := row.Claimable
	admins = remove(admins, userID)
	row.AdminList = encodeList(admins)
	if len(admins) == 0 {
		row.Claimable = true
		row.LastOwner = ""
	}
	if err := s.save(ctx, row); err != nil {
		return false, false, err
	}
	return true, row.Claimable && !claimableBefore, nil
}

// SetClaimState overwrites the claimable flag and last owner directly.
func (s *Store) SetClaimState(ctx context.Context, guildID, channelID string, claimable bool, lastOwner string) error {
	l := s.acquire(channelID)
	defer s.release(channelID, l)

	row, err := s.fetch(ctx, guildID, channelID)
	if err != nil {
		return err
	}
	row.Claimable = claimable
	row.LastOwner = lastOwner
	return s.save(ctx, row)
}

// Restore re-seats the channel's last owner: it succeeds only when the
// channel is claimable and userID matches the recorded last owner. The
// check and the write share one critical section, so two near-simultaneous
// re-entries cannot both succeed.
func (s *Store) Restore(ctx context.Context, guildID, channelID, userID string) (bool, error) {
	l := s.acquire(channelID)
	defer s.release(channelID, l)

	row, err := s.fetch(ctx, guildID, channelID)
	if err != nil {
		return false, err
	}
	if !row.Claimable || row.LastOwner != userID {
		return false, nil
	}

	admins := decodeList(row.AdminList)
	if !contains(admins, userID) {
		admins = append(admins, userID)
	}
	row.AdminList = encodeList(admins)
	row.Claimable = false
	row.LastOwner = ""
	if err := s.save(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

// Claim seats an arbitrary user as admin of a claimable channel. Succeeds
// for the first caller only; losers of the race observe claimable == false.
func (s *Store) Claim(ctx context.Context, guildID, channelID, userID string) (bool, error) {
	l := s.acquire(channelID)
	defer s.release(channelID, l)

	row, err := s.fetch(ctx, guildID, channelID)
	if err != nil {
		return false, err
	}
	if !row.Claimable {
		return false, nil
	}

	admins := decodeList(row.AdminList)
	if !contains(admins, userID) {
		admins = append(admins, userID)
	}
	row.AdminList = encodeList(admins)
	row.Claimable = false
	row.LastOwner = ""
	if err := s.save(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

// AddBan puts the user in the ban set, independent of admin bookkeeping.
// Idempotent; the bool reports whether the set changed.
func (s *Store) AddBan(ctx context.Context, guildID, channelID, userID string) (bool, error) {
	l := s.acquire(channelID)
	defer s.release(channelID, l)

	row, err := s.fetch(ctx, guildID, channelID)
	if err != nil {
		return false, err
	}

	bans := decodeList(row.BanList)
	if contains(bans, userID) {
		return false, nil
	}
	row.BanList = encodeList(append(bans, userID))
	if err := s.save(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveBan drops the user from the ban set. Idempotent.
func (s *Store) RemoveBan(ctx context.Context, guildID, channelID, userID string) (bool, error) {
	l := s.acquire(channelID)
	defer s.release(channelID, l)

	row, err := s.fetch(ctx, guildID, channelID)
	if err != nil {
		return false, err
	}

	bans := decodeList(row.BanList)
	if !contains(bans, userID) {
		return false, nil
	}
	row.BanList = encodeList(remove(bans, userID))
	if err := s.save(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the record. Deleting an absent record is a no-op.
func (s *Store) Delete(ctx context.Context, guildID, channelID string) error {
	l := s.acquire(channelID)
	defer s.release(channelID, l)

	err := s.db.WithContext(ctx).
		Unscoped().
		Where("guild_id = ? AND channel_id = ?", guildID, channelID).
		Delete(&ChannelRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete channel record: %w", err)
	}
	return nil
}

func contains(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}

func remove(users []string, userID string) []string {
	out := users[:0]
	for _, u := range users {
		if u != userID {
			out = append(out, u)
		}
	}
	return out
}
