// Package app wires the site state, persistence tiers, realtime sync
// and auth into one service the HTTP layer exposes. Local persistence
// is synchronous and never blocked by the shared store: every mutation
// lands in the cache first, then goes remote best-effort when someone
// is signed in.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"worksite/api/internal/auth"
	"worksite/api/internal/authpw"
	"worksite/api/internal/backup"
	"worksite/api/internal/config"
	"worksite/api/internal/email"
	"worksite/api/internal/export"
	"worksite/api/internal/hierarchy"
	"worksite/api/internal/ingest"
	"worksite/api/internal/journal"
	"worksite/api/internal/keying"
	"worksite/api/internal/localcache"
	"worksite/api/internal/progress"
	"worksite/api/internal/remote"
	"worksite/api/internal/search"
	"worksite/api/internal/stats"
	"worksite/api/internal/store"
	rtsync "worksite/api/internal/sync"
	"worksite/api/internal/util"
)

type Service struct {
	cfg      config.Config
	store    *store.Store
	cache    *localcache.Cache
	remote   remote.Store
	search   *search.Service
	backup   *backup.Uploader
	users    *authpw.Service
	journal  *journal.Service
	mailer   *email.Service
	notifier *Notifier

	mu       sync.Mutex
	identity *remote.Identity
	subs     []remote.Subscription
}

func New(cfg config.Config, st *store.Store, cache *localcache.Cache, rs remote.Store, ss *search.Service, bu *backup.Uploader, users *authpw.Service, jnl *journal.Service, mailer *email.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		cache:    cache,
		remote:   rs,
		search:   ss,
		backup:   bu,
		users:    users,
		journal:  jnl,
		mailer:   mailer,
		notifier: NewNotifier(),
	}
}

func (s *Service) Notifier() *Notifier { return s.notifier }

func (s *Service) currentIdentity() *remote.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Service) signedIn() bool { return s.currentIdentity() != nil }

func (s *Service) writerEmail() string {
	if id := s.currentIdentity(); id != nil {
		return id.Email
	}
	return ""
}

// Load populates the in-memory store: the shared store wins when
// someone is signed in and it has data, then the local cache, then
// empty. Each collection falls back on its own, so a failed shared
// read never erases what the cache already holds. Inconsistent
// records are healed and the repair written back.
func (s *Service) Load(ctx context.Context) error {
	var (
		activities  []store.Activity
		prog        map[string]store.ProgressRecord
		units       map[string]store.UnitCount
		records     []store.DailyRecord
		fromRemote  bool
		progRemote  bool
		unitsRemote bool
		recsRemote  bool
	)

	if s.signedIn() && s.remote != nil {
		doc, ok, err := s.remote.LoadActivities(ctx)
		if err != nil {
			log.Printf("load shared activities: %v (falling back to cache)", err)
		} else if ok && len(doc.Activities) > 0 {
			activities = doc.Activities
			fromRemote = true
			if prog, err = s.remote.LoadProgress(ctx); err != nil {
				log.Printf("load shared progress: %v (falling back to cache)", err)
				prog = nil
			} else {
				progRemote = true
			}
			if units, err = s.remote.LoadUnits(ctx); err != nil {
				log.Printf("load shared units: %v (falling back to cache)", err)
				units = nil
			} else {
				unitsRemote = true
			}
		}
		recDoc, ok, err := s.remote.LoadRecords(ctx)
		if err != nil {
			log.Printf("load shared records: %v (falling back to cache)", err)
		} else if ok {
			records = recDoc.Records
			recsRemote = true
		}
	}

	if activities == nil {
		cached, ok, err := s.cache.LoadActivities(ctx)
		if err != nil {
			return fmt.Errorf("load cached activities: %w", err)
		}
		if ok {
			activities = cached
		}
	}
	var err error
	if !progRemote {
		if prog, err = s.cache.LoadProgress(ctx); err != nil {
			return fmt.Errorf("load cached progress: %w", err)
		}
	}
	if !unitsRemote {
		if units, err = s.cache.LoadUnits(ctx); err != nil {
			return fmt.Errorf("load cached units: %w", err)
		}
	}
	if !recsRemote {
		if records, err = s.cache.LoadRecords(ctx); err != nil {
			return fmt.Errorf("load cached records: %w", err)
		}
	}

	dropped := s.store.ReplaceActivities(activities)
	s.store.ReplaceProgress(prog)
	s.store.ReplaceUnits(units)
	s.store.ReplaceRecords(records)
	fixed := s.store.Heal()
	if dropped > 0 || fixed > 0 {
		log.Printf("load: dropped %d duplicate activities, healed %d records", dropped, fixed)
		s.persistActivities(ctx)
		s.persistProgressSnapshot(ctx)
		s.persistUnitsSnapshot(ctx)
	}
	// Mirror the shared copies into the cache so the next offline
	// start sees them. Only the collections that actually came from
	// the shared store are written.
	if fromRemote {
		if err := s.cache.SaveActivities(ctx, s.store.Activities()); err != nil {
			log.Printf("cache activities: %v", err)
		}
		if progRemote {
			s.persistProgressSnapshot(ctx)
		}
		if unitsRemote {
			s.persistUnitsSnapshot(ctx)
		}
	}
	if recsRemote {
		if err := s.cache.SaveRecords(ctx, s.store.Records()); err != nil {
			log.Printf("cache records: %v", err)
		}
	}
	if s.search != nil {
		s.search.ReindexAll(s.store.Activities())
	}
	return nil
}

func (s *Service) persistLocalOnly(ctx context.Context) {
	if err := s.cache.SaveActivities(ctx, s.store.Activities()); err != nil {
		log.Printf("cache activities: %v", err)
	}
	if err := s.cache.SaveProgress(ctx, s.store.ProgressSnapshot()); err != nil {
		log.Printf("cache progress: %v", err)
	}
	if err := s.cache.SaveUnits(ctx, s.store.UnitsSnapshot()); err != nil {
		log.Printf("cache units: %v", err)
	}
}

func (s *Service) persistActivities(ctx context.Context) {
	if err := s.cache.SaveActivities(ctx, s.store.Activities()); err != nil {
		log.Printf("cache activities: %v", err)
	}
	if s.signedIn() && s.remote != nil {
		if err := s.remote.SaveActivities(ctx, s.store.Activities(), *s.currentIdentity()); err != nil {
			log.Printf("share activities: %v", err)
		}
	}
}

func (s *Service) persistProgressSnapshot(ctx context.Context) {
	if err := s.cache.SaveProgress(ctx, s.store.ProgressSnapshot()); err != nil {
		log.Printf("cache progress: %v", err)
	}
}

func (s *Service) persistUnitsSnapshot(ctx context.Context) {
	if err := s.cache.SaveUnits(ctx, s.store.UnitsSnapshot()); err != nil {
		log.Printf("cache units: %v", err)
	}
}

func (s *Service) persistProgress(ctx context.Context, key string, rec store.ProgressRecord) {
	s.persistProgressSnapshot(ctx)
	if s.signedIn() && s.remote != nil {
		if err := s.remote.SaveProgress(ctx, key, rec); err != nil {
			log.Printf("share progress %s: %v", key, err)
		}
	}
}

func (s *Service) persistRecords(ctx context.Context) {
	if err := s.cache.SaveRecords(ctx, s.store.Records()); err != nil {
		log.Printf("cache records: %v", err)
	}
	if s.signedIn() && s.remote != nil {
		if err := s.remote.SaveRecords(ctx, s.store.Records(), *s.currentIdentity()); err != nil {
			log.Printf("share records: %v", err)
		}
	}
}

func (s *Service) persistUnits(ctx context.Context, key string, uc store.UnitCount) {
	s.persistUnitsSnapshot(ctx)
	if s.signedIn() && s.remote != nil {
		if err := s.remote.SaveUnits(ctx, key, uc); err != nil {
			log.Printf("share units %s: %v", key, err)
		}
	}
}

// Auth and session lifecycle.

func (s *Service) AuthConfigured() bool { return s.users != nil && s.remote != nil }

func (s *Service) SignUp(ctx context.Context, email, password string) (store.User, error) {
	if !s.AuthConfigured() {
		return store.User{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "No shared store configured", nil)
	}
	user, err := s.users.SignUp(ctx, email, password)
	if err != nil {
		return store.User{}, err
	}
	if !user.Approved && s.mailer != nil && s.mailer.IsConfigured() && s.cfg.AdminEmail != "" {
		go func(newEmail string) {
			if err := s.mailer.SendSignupNotice(s.cfg.AdminEmail, newEmail); err != nil {
				log.Printf("signup notice: %v", err)
			}
		}(user.Email)
	}
	return user, nil
}

// SignIn authenticates, makes the account the active writer identity,
// reloads state shared-first and opens the realtime subscriptions.
func (s *Service) SignIn(ctx context.Context, email, password string) (string, store.User, error) {
	if !s.AuthConfigured() {
		return "", store.User{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "No shared store configured", nil)
	}
	token, user, err := s.users.SignIn(ctx, email, password)
	if err != nil {
		return "", store.User{}, err
	}

	s.stopSubscriptions()
	s.mu.Lock()
	s.identity = &remote.Identity{ID: user.ID, Email: user.Email}
	s.mu.Unlock()

	if err := s.Load(ctx); err != nil {
		log.Printf("reload after sign-in: %v", err)
	}
	s.startSubscriptions(ctx)
	return token, user, nil
}

// SignOut closes the realtime subscriptions, clears the writer
// identity and falls back to cache-only state.
func (s *Service) SignOut(ctx context.Context) {
	s.stopSubscriptions()
	s.mu.Lock()
	s.identity = nil
	s.mu.Unlock()
	if err := s.Load(ctx); err != nil {
		log.Printf("reload after sign-out: %v", err)
	}
}

func (s *Service) SessionFromToken(token string) (auth.Claims, error) {
	if s.users == nil {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return s.users.Verify(token)
}

func (s *Service) startSubscriptions(ctx context.Context) {
	if s.remote == nil {
		return
	}
	recon := rtsync.New(s.store, func(key string) {
		s.notifier.Notify(key)
		// Keep the cache in step with what just arrived.
		s.persistLocalOnly(context.Background())
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, collection := range []string{remote.CollectionProgress, remote.CollectionUnits} {
		sub, err := s.remote.Subscribe(ctx, collection)
		if err != nil {
			log.Printf("subscribe %s: %v", collection, err)
			continue
		}
		s.subs = append(s.subs, sub)
		go recon.Run(sub)
	}
	if sub, err := s.remote.Subscribe(ctx, remote.CollectionRecords); err != nil {
		log.Printf("subscribe %s: %v", remote.CollectionRecords, err)
	} else {
		s.subs = append(s.subs, sub)
		go s.runRecordsSync(sub)
	}
}

// runRecordsSync re-reads the shared records document on every change
// notification. The document is small, so instead of per-key diffs the
// whole list is compared; an unchanged list is one of our own writes
// echoing back and is dropped.
func (s *Service) runRecordsSync(sub remote.Subscription) {
	for range sub.Events() {
		doc, ok, err := s.remote.LoadRecords(context.Background())
		if err != nil || !ok {
			continue
		}
		if recordsEqual(doc.Records, s.store.Records()) {
			continue
		}
		s.store.ReplaceRecords(doc.Records)
		if err := s.cache.SaveRecords(context.Background(), s.store.Records()); err != nil {
			log.Printf("cache records: %v", err)
		}
		s.notifier.Notify("records")
	}
}

func recordsEqual(a, b []store.DailyRecord) bool {
	if len(a) != len(b) {
		return false
	}
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

func (s *Service) stopSubscriptions() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

// Pending and Approve expose the account approval workflow.

func (s *Service) PendingUsers(ctx context.Context) ([]store.User, error) {
	if !s.AuthConfigured() {
		return nil, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "No shared store configured", nil)
	}
	return s.users.Pending(ctx)
}

func (s *Service) ApproveUser(ctx context.Context, email, approvedBy string) error {
	if !s.AuthConfigured() {
		return domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "No shared store configured", nil)
	}
	if err := s.users.Approve(ctx, email, approvedBy); err != nil {
		return err
	}
	if s.mailer != nil && s.mailer.IsConfigured() {
		go func(approved string) {
			if err := s.mailer.SendApprovalNotice(approved); err != nil {
				log.Printf("approval notice: %v", err)
			}
		}(email)
	}
	return nil
}

// Mutations.

func (s *Service) activityOr404(key string) (store.Activity, error) {
	a, ok := s.store.Activity(key)
	if !ok {
		return store.Activity{}, domainError(http.StatusNotFound, "NOT_FOUND", "No such activity", nil)
	}
	return a, nil
}

// SetProgress moves an activity's manual progress. Unit-tracked
// activities refuse manual writes; their progress is the weld ratio.
func (s *Service) SetProgress(ctx context.Context, key string, value int) (store.ProgressRecord, error) {
	a, err := s.activityOr404(key)
	if err != nil {
		return store.ProgressRecord{}, err
	}
	if a.HasUnitTracking && a.TotalUnits > 0 {
		return store.ProgressRecord{}, domainError(http.StatusUnprocessableEntity, "UNIT_TRACKED", "Activity progress is derived from weld counts", nil)
	}
	rec, changed := s.store.SetProgress(key, value, s.writerEmail(), time.Now().UTC())
	if changed {
		s.persistProgress(ctx, key, rec)
		s.notifier.Notify(key)
	}
	return rec, nil
}

// AdjustProgress applies a signed delta to the current manual value.
func (s *Service) AdjustProgress(ctx context.Context, key string, delta int) (store.ProgressRecord, error) {
	return s.SetProgress(ctx, key, s.store.Progress(key)+delta)
}

// SetUnitCompleted records the completed weld count of a unit-tracked
// activity, clamped to its total.
func (s *Service) SetUnitCompleted(ctx context.Context, key string, completed int) (store.UnitCount, error) {
	a, err := s.activityOr404(key)
	if err != nil {
		return store.UnitCount{}, err
	}
	if !a.HasUnitTracking || a.TotalUnits <= 0 {
		return store.UnitCount{}, domainError(http.StatusUnprocessableEntity, "NOT_UNIT_TRACKED", "Activity has no weld tracking", nil)
	}
	uc, changed := s.store.SetUnits(key, completed, a.TotalUnits, s.writerEmail(), time.Now().UTC())
	if changed {
		s.persistUnits(ctx, key, uc)
		s.notifier.Notify(key)
	}
	return uc, nil
}

// AdjustUnitCompleted applies a signed delta to the completed count.
func (s *Service) AdjustUnitCompleted(ctx context.Context, key string, delta int) (store.UnitCount, error) {
	return s.SetUnitCompleted(ctx, key, s.store.UnitsCompleted(key)+delta)
}

// UpdateObservation replaces the free-text note on an activity.
func (s *Service) UpdateObservation(ctx context.Context, key, text string) error {
	if _, err := s.activityOr404(key); err != nil {
		return err
	}
	s.store.UpdateActivity(key, func(a *store.Activity) {
		a.Observation = strings.TrimSpace(text)
	})
	s.persistActivities(ctx)
	if a, ok := s.store.Activity(key); ok && s.search != nil {
		s.search.IndexActivity(a)
	}
	s.notifier.Notify(key)
	return nil
}

// ActivityInput carries the fields of a manually managed activity.
type ActivityInput struct {
	ExternalID    string `json:"id"`
	Name          string `json:"name"`
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
	DurationLabel string `json:"duration"`
	SummaryFlag   string `json:"summary"`
	CriticalFlag  string `json:"critical"`
	RoutineFlag   string `json:"routine"`
	Observation   string `json:"observation"`
	TotalUnits    int    `json:"totalUnits"`
}

func (in *ActivityInput) validate() error {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.Name = strings.TrimSpace(in.Name)
	in.StartDate = strings.TrimSpace(in.StartDate)
	in.EndDate = strings.TrimSpace(in.EndDate)
	if in.ExternalID == "" || in.Name == "" || in.StartDate == "" || in.EndDate == "" {
		return domainError(http.StatusUnprocessableEntity, "INVALID_ACTIVITY", "An activity needs an id, a name and both dates", nil)
	}
	return nil
}

// apply writes the input onto a. Progress-bearing fields are left
// alone; a total above zero turns weld tracking on and stamps the
// count into the name the way imports name tracked lines.
func (in ActivityInput) apply(a *store.Activity) {
	a.ExternalID = in.ExternalID
	a.Name = in.Name
	a.StartDate = in.StartDate
	a.EndDate = in.EndDate
	a.DurationLabel = strings.TrimSpace(in.DurationLabel)
	a.SummaryFlag = flagValue(in.SummaryFlag)
	a.CriticalFlag = flagValue(in.CriticalFlag)
	a.RoutineFlag = flagValue(in.RoutineFlag)
	a.Observation = strings.TrimSpace(in.Observation)
	if in.TotalUnits > 0 {
		a.HasUnitTracking = true
		a.TotalUnits = in.TotalUnits
		if !strings.Contains(strings.ToLower(a.Name), "weld") {
			a.Name = fmt.Sprintf("%s (%d WELDS)", a.Name, in.TotalUnits)
		}
	} else {
		a.HasUnitTracking = false
		a.TotalUnits = 0
	}
}

func flagValue(s string) string {
	if store.FlagSet(s) {
		return "yes"
	}
	return ""
}

// CreateActivity adds one manually entered activity. The identity key
// is derived from the submitted id and name; an existing activity
// under the same key is replaced and keeps its records.
func (s *Service) CreateActivity(ctx context.Context, in ActivityInput) (store.Activity, error) {
	if err := in.validate(); err != nil {
		return store.Activity{}, err
	}
	a := store.Activity{
		IdentityKey: keying.Derive(in.ExternalID, in.Name),
		StatusText:  "UPCOMING",
	}
	in.apply(&a)
	s.store.Upsert(a)
	s.store.Heal()
	s.persistActivities(ctx)
	stored, _ := s.store.Activity(a.IdentityKey)
	if s.search != nil {
		s.search.IndexActivity(stored)
	}
	s.notifier.Notify(stored.IdentityKey)
	return stored, nil
}

// EditActivity rewrites the fields of an existing activity in place.
// The identity key never changes on edit, so progress and weld records
// stay attached even when the id or name is corrected.
func (s *Service) EditActivity(ctx context.Context, key string, in ActivityInput) (store.Activity, error) {
	if _, err := s.activityOr404(key); err != nil {
		return store.Activity{}, err
	}
	if err := in.validate(); err != nil {
		return store.Activity{}, err
	}
	s.store.UpdateActivity(key, func(a *store.Activity) {
		in.apply(a)
	})
	s.store.Heal()
	s.persistActivities(ctx)
	s.persistUnitsSnapshot(ctx)
	stored, _ := s.store.Activity(key)
	if s.search != nil {
		s.search.IndexActivity(stored)
	}
	s.notifier.Notify(key)
	return stored, nil
}

// DeleteActivity removes one activity from the schedule. Its progress
// and weld records stay in the stores, so a later import under the
// same key picks them back up.
func (s *Service) DeleteActivity(ctx context.Context, key string) error {
	if !s.store.Remove(key) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "No such activity", nil)
	}
	s.persistActivities(ctx)
	if s.search != nil {
		s.search.DeleteActivity(key)
	}
	s.notifier.Notify(key)
	return nil
}

// DailyRecords lists the daily control board, insertion order.
func (s *Service) DailyRecords() []store.DailyRecord {
	return s.store.Records()
}

// SaveDailyRecord inserts or updates one row of the daily control
// board. A record without an id is a new row and gets one assigned;
// a record carrying an unknown id is a 404.
func (s *Service) SaveDailyRecord(ctx context.Context, rec store.DailyRecord) (store.DailyRecord, error) {
	rec.Activity = strings.TrimSpace(rec.Activity)
	if rec.Activity == "" {
		return store.DailyRecord{}, domainError(http.StatusUnprocessableEntity, "INVALID_RECORD", "A daily record needs an activity line", nil)
	}
	if rec.ID == "" {
		rec.ID = util.NewID("rec")
	} else if _, ok := s.store.Record(rec.ID); !ok {
		return store.DailyRecord{}, domainError(http.StatusNotFound, "NOT_FOUND", "No such daily record", nil)
	}
	rec.UpdatedBy = s.writerEmail()
	rec.UpdatedAt = time.Now().UTC()
	s.store.UpsertRecord(rec)
	s.persistRecords(ctx)
	s.notifier.Notify("record:" + rec.ID)
	stored, _ := s.store.Record(rec.ID)
	return stored, nil
}

// DeleteDailyRecord drops one row from the daily control board.
func (s *Service) DeleteDailyRecord(ctx context.Context, id string) error {
	if !s.store.RemoveRecord(id) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "No such daily record", nil)
	}
	s.persistRecords(ctx)
	s.notifier.Notify("record:" + id)
	return nil
}

// ImportSummary reports what a schedule import did.
type ImportSummary struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// Import replaces the activity list with a pasted schedule export,
// seeding progress and weld counts from its columns. A snapshot is
// uploaded first when object storage is configured.
func (s *Service) Import(ctx context.Context, text string) (ImportSummary, error) {
	res, err := ingest.Parse(text)
	if err != nil {
		if errors.Is(err, ingest.ErrNoHeader) {
			return ImportSummary{}, domainError(http.StatusUnprocessableEntity, "NO_HEADER", "Could not find a header row with id and name columns", nil)
		}
		return ImportSummary{}, err
	}

	s.snapshotBestEffort(ctx, "pre-import")
	s.journalBestEffort("state before import")

	dropped := s.store.ReplaceActivities(res.Activities)
	now := time.Now().UTC()
	for key, pct := range res.Progress {
		s.store.SeedProgress(key, pct, now)
	}
	for key, uc := range res.Units {
		s.store.SetUnits(key, uc.Completed, uc.Total, s.writerEmail(), now)
	}
	s.store.Heal()

	s.persistActivities(ctx)
	s.persistProgressSnapshot(ctx)
	s.persistUnitsSnapshot(ctx)
	if s.signedIn() && s.remote != nil {
		for key := range res.Progress {
			if rec, ok := s.store.ProgressRecord(key); ok {
				if err := s.remote.SaveProgress(ctx, key, rec); err != nil {
					log.Printf("share imported progress %s: %v", key, err)
				}
			}
		}
		for key := range res.Units {
			if uc, ok := s.store.Units(key); ok {
				if err := s.remote.SaveUnits(ctx, key, uc); err != nil {
					log.Printf("share imported units %s: %v", key, err)
				}
			}
		}
	}
	if s.search != nil {
		s.search.ReindexAll(s.store.Activities())
	}
	s.journalBestEffort("state after import")

	return ImportSummary{
		Imported:   len(s.store.Activities()),
		Duplicates: dropped,
		Skipped:    res.Skipped,
	}, nil
}

func (s *Service) snapshotBestEffort(ctx context.Context, reason string) {
	if s.backup == nil {
		return
	}
	name, err := s.backup.Upload(ctx, backup.Snapshot{
		Activities: s.store.Activities(),
		Progress:   s.store.ProgressSnapshot(),
		Units:      s.store.UnitsSnapshot(),
		CreatedBy:  s.writerEmail(),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Printf("%s snapshot: %v", reason, err)
		return
	}
	log.Printf("%s snapshot uploaded: %s", reason, name)
}

func (s *Service) journalBestEffort(message string) {
	if s.journal == nil {
		return
	}
	state := journal.State{
		Activities: s.store.Activities(),
		Progress:   s.store.ProgressSnapshot(),
		Units:      s.store.UnitsSnapshot(),
	}
	if _, err := s.journal.Record(state, s.writerEmail(), message); err != nil {
		log.Printf("journal %s: %v", message, err)
	}
}

// JournalHistory lists the recorded schedule snapshots, newest first.
func (s *Service) JournalHistory(limit int) ([]journal.Entry, error) {
	if s.journal == nil {
		return nil, domainError(http.StatusServiceUnavailable, "JOURNAL_UNAVAILABLE", "No journal configured", nil)
	}
	return s.journal.History(limit)
}

// RestoreFromJournal replaces the current state with the snapshot
// committed under hash.
func (s *Service) RestoreFromJournal(ctx context.Context, hash string) error {
	if s.journal == nil {
		return domainError(http.StatusServiceUnavailable, "JOURNAL_UNAVAILABLE", "No journal configured", nil)
	}
	state, err := s.journal.At(hash)
	if err != nil {
		return domainError(http.StatusNotFound, "NOT_FOUND", "No such journal entry", nil)
	}

	s.journalBestEffort("state before restore")
	s.store.ReplaceActivities(state.Activities)
	s.store.ReplaceProgress(state.Progress)
	s.store.ReplaceUnits(state.Units)
	s.store.Heal()

	s.persistActivities(ctx)
	s.persistProgressSnapshot(ctx)
	s.persistUnitsSnapshot(ctx)
	if s.search != nil {
		s.search.ReindexAll(s.store.Activities())
	}
	s.notifier.Notify("")
	return nil
}

// Backup uploads an on-demand snapshot and returns its object name.
func (s *Service) Backup(ctx context.Context) (string, error) {
	if s.backup == nil {
		return "", domainError(http.StatusServiceUnavailable, "BACKUP_UNAVAILABLE", "No object storage configured", nil)
	}
	return s.backup.Upload(ctx, backup.Snapshot{
		Activities: s.store.Activities(),
		Progress:   s.store.ProgressSnapshot(),
		Units:      s.store.UnitsSnapshot(),
		CreatedBy:  s.writerEmail(),
		CreatedAt:  time.Now().UTC(),
	})
}

// ResetAllProgress zeroes every progress record and weld counter while
// keeping the activity list.
func (s *Service) ResetAllProgress(ctx context.Context) {
	keys := make([]string, 0)
	for key := range s.store.ProgressSnapshot() {
		keys = append(keys, key)
	}
	s.store.ResetProgress()
	s.persistProgressSnapshot(ctx)
	s.persistUnitsSnapshot(ctx)
	if s.signedIn() && s.remote != nil {
		for _, key := range keys {
			if err := s.remote.DeleteProgress(ctx, key); err != nil {
				log.Printf("delete shared progress %s: %v", key, err)
			}
		}
		for key, uc := range s.store.UnitsSnapshot() {
			if err := s.remote.SaveUnits(ctx, key, uc); err != nil {
				log.Printf("share reset units %s: %v", key, err)
			}
		}
	}
	s.notifier.Notify("")
}

// ClearAll wipes the local state and cache. The shared store is left
// untouched; peers keep their data.
func (s *Service) ClearAll(ctx context.Context) error {
	s.store.Clear()
	if err := s.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	s.notifier.Notify("")
	return nil
}

// Read side.

// Filter narrows the activity list for views and exports.
type Filter struct {
	Search     string
	ExternalID string
	Status     string // completed, in_progress, not_started
	Date       string // matches the start date
	View       string // schedule (default) or routine
}

func (s *Service) filtered(f Filter) []store.Activity {
	list := s.store.Activities()

	routineView := f.View == "routine"
	out := list[:0:0]
	for _, a := range list {
		if a.IsRoutine() != routineView {
			continue
		}
		out = append(out, a)
	}
	list = out

	if f.ExternalID != "" {
		out = list[:0:0]
		for _, a := range list {
			if a.ExternalID == f.ExternalID {
				out = append(out, a)
			}
		}
		list = out
	}

	if f.Date != "" {
		want := strings.TrimSpace(f.Date)
		out = list[:0:0]
		for _, a := range list {
			if strings.HasPrefix(a.StartDate, want) {
				out = append(out, a)
			}
		}
		list = out
	}

	if f.Status != "" {
		out = list[:0:0]
		for _, a := range list {
			p := s.store.RealProgress(a)
			switch f.Status {
			case "completed":
				if p >= 100 {
					out = append(out, a)
				}
			case "in_progress":
				if p > 0 && p < 100 {
					out = append(out, a)
				}
			case "not_started":
				if p == 0 {
					out = append(out, a)
				}
			default:
				out = append(out, a)
			}
		}
		list = out
	}

	if strings.TrimSpace(f.Search) != "" {
		match := matchKeys(s.search, list, f.Search)
		out = list[:0:0]
		for _, a := range list {
			if match[a.IdentityKey] {
				out = append(out, a)
			}
		}
		list = out
	}

	return list
}

// matchKeys resolves a text query even when no search service was
// wired; the local scanner needs no backend.
func matchKeys(ss *search.Service, list []store.Activity, text string) map[string]bool {
	if ss != nil {
		return ss.MatchKeys(list, text)
	}
	set := make(map[string]bool)
	for _, key := range (search.Local{}).Search(list, text) {
		set[key] = true
	}
	return set
}

// ActivityView is one activity with its computed progress values.
type ActivityView struct {
	store.Activity
	RealPct        int `json:"realPct"`
	ExpectedPct    int `json:"expectedPct"`
	UnitsCompleted int `json:"unitsCompleted"`
}

// GroupView is one rendered group block.
type GroupView struct {
	ExternalID string             `json:"externalId"`
	Title      string             `json:"title"`
	Standalone bool               `json:"standalone"`
	Activities []ActivityView     `json:"activities"`
	Stats      stats.SectionStats `json:"stats"`
}

func (s *Service) view(a store.Activity, now time.Time) ActivityView {
	v := ActivityView{
		Activity:    a,
		RealPct:     s.store.RealProgress(a),
		ExpectedPct: progress.Expected(a, now),
	}
	if a.HasUnitTracking {
		v.UnitsCompleted = s.store.UnitsCompleted(a.IdentityKey)
	}
	return v
}

// Groups returns the grouped, filtered activity view.
func (s *Service) Groups(f Filter) []GroupView {
	now := time.Now().UTC()
	list := s.filtered(f)
	groups := hierarchy.Build(list)

	out := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		gv := GroupView{
			ExternalID: g.ExternalID,
			Title:      g.Title(),
			Standalone: g.Standalone,
		}
		members := make([]store.Activity, 0, g.Size())
		members = append(members, g.Parent)
		members = append(members, g.Children...)
		for _, a := range members {
			gv.Activities = append(gv.Activities, s.view(a, now))
		}
		gv.Stats = stats.Section(members, s.store)
		out = append(out, gv)
	}
	return out
}

// GlobalStats aggregates the filtered list.
func (s *Service) GlobalStats(f Filter) stats.GlobalStats {
	return stats.Global(s.filtered(f), s.store)
}

// Curve returns the planned-versus-real series for the filtered list.
func (s *Service) Curve(f Filter) []stats.CurvePoint {
	return stats.Curve(s.filtered(f), s.store, time.Now().UTC())
}

// ExportCSV streams the filtered list as CSV.
func (s *Service) ExportCSV(w io.Writer, f Filter) error {
	rows := export.Rows(s.filtered(f), s.store, time.Now().UTC())
	return export.WriteCSV(w, rows)
}

// ExportPDF renders the filtered list into a printable progress
// report via headless Chrome.
func (s *Service) ExportPDF(ctx context.Context, f Filter) ([]byte, error) {
	now := time.Now().UTC()
	list := s.filtered(f)
	global := stats.Global(list, s.store)

	report := export.Report{
		Title:       "Worksite progress report",
		GeneratedAt: now,
		OverallPct:  global.OverallPct,
		Total:       global.Total,
		Completed:   global.Completed,
		Critical:    global.Critical,
	}
	for _, g := range hierarchy.Build(list) {
		members := make([]store.Activity, 0, g.Size())
		members = append(members, g.Parent)
		members = append(members, g.Children...)
		report.Groups = append(report.Groups, export.ReportGroup{
			Title:      g.Title(),
			AveragePct: stats.Section(members, s.store).AveragePct,
			Rows:       export.Rows(members, s.store, now),
		})
	}

	html, err := export.RenderReportHTML(report)
	if err != nil {
		return nil, err
	}
	pdf, err := export.RenderPDF(ctx, html)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering requires Chromium on the server", nil)
		}
		return nil, err
	}
	return pdf, nil
}

// Ping verifies the persistence tiers this instance depends on.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if s.remote != nil {
		if err := s.remote.Ping(ctx); err != nil {
			return fmt.Errorf("shared store: %w", err)
		}
	}
	return nil
}

// Close releases subscriptions and the cache.
func (s *Service) Close() {
	s.stopSubscriptions()
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.remote != nil {
		_ = s.remote.Close()
	}
}
