package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/identity"
	"github.com/edgemesh/fleetd/internal/liveness"
	"github.com/edgemesh/fleetd/internal/queue"
	"github.com/edgemesh/fleetd/internal/relay"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// auditEntry builds a stamped entry for identity mutations in tests.
func auditEntry(action, target string) audit.Entry {
	return audit.Entry{
		Timestamp: time.Now().UTC(),
		Actor:     "root",
		Action:    action,
		Target:    target,
		Outcome:   audit.OutcomeOK,
	}
}

func TestCreateFirstAdminOnlyOnce(t *testing.T) {
	s := testStore(t)

	a := identity.AdminIdentity{Name: "root", KeyHash: "aaa", CreatedAt: time.Now().UTC()}
	if err := s.CreateFirstAdmin(a, auditEntry("bootstrap_admin", "root")); err != nil {
		t.Fatalf("CreateFirstAdmin: %v", err)
	}
	err := s.CreateFirstAdmin(identity.AdminIdentity{Name: "other", KeyHash: "bbb"}, auditEntry("bootstrap_admin", "other"))
	if !errors.Is(err, identity.ErrAlreadyInitialized) {
		t.Fatalf("second CreateFirstAdmin = %v, want ErrAlreadyInitialized", err)
	}

	// The rejected attempt must not leave a trail entry either.
	entries, err := s.QueryAuditEntries(audit.Filter{Action: "bootstrap_admin"}, 10)
	if err != nil {
		t.Fatalf("QueryAuditEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Target != "root" {
		t.Errorf("audit entries = %+v, want exactly the successful bootstrap", entries)
	}
}

func TestAdminKeyHashIndex(t *testing.T) {
	s := testStore(t)
	if err := s.CreateFirstAdmin(identity.AdminIdentity{Name: "root", KeyHash: "hash-root"}, auditEntry("bootstrap_admin", "root")); err != nil {
		t.Fatalf("CreateFirstAdmin: %v", err)
	}
	if err := s.CreateAdmin(identity.AdminIdentity{Name: "ops", KeyHash: "hash-ops"}, auditEntry("create_admin", "ops")); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	if err := s.CreateAdmin(identity.AdminIdentity{Name: "ops", KeyHash: "other"}, auditEntry("create_admin", "ops")); err == nil {
		t.Fatal("CreateAdmin accepted a duplicate name")
	}

	admin, found, err := s.GetAdminByKeyHash("hash-ops")
	if err != nil || !found {
		t.Fatalf("GetAdminByKeyHash = found=%v, err=%v", found, err)
	}
	if admin.Name != "ops" {
		t.Errorf("Name = %q, want ops", admin.Name)
	}

	if _, found, _ := s.GetAdminByKeyHash("missing"); found {
		t.Error("GetAdminByKeyHash(missing) found something")
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	s := testStore(t)

	d := identity.DeviceIdentity{ID: "edge-1", SecretHash: "h1", RegisteredAt: time.Now().UTC()}
	if err := s.SaveDevice(d, auditEntry("register_device", "edge-1")); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}

	got, found, err := s.GetDevice("edge-1")
	if err != nil || !found {
		t.Fatalf("GetDevice = found=%v, err=%v", found, err)
	}
	if got.SecretHash != "h1" {
		t.Errorf("SecretHash = %q, want h1", got.SecretHash)
	}

	// Overwrite flips the revoked flag in place.
	got.Revoked = true
	if err := s.SaveDevice(got, auditEntry("revoke_device", "edge-1")); err != nil {
		t.Fatalf("SaveDevice(revoked): %v", err)
	}
	got2, _, _ := s.GetDevice("edge-1")
	if !got2.Revoked {
		t.Error("revoked flag lost on overwrite")
	}

	_ = s.SaveDevice(identity.DeviceIdentity{ID: "edge-0"}, auditEntry("register_device", "edge-0"))
	list, err := s.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(list) != 2 || list[0].ID != "edge-0" || list[1].ID != "edge-1" {
		t.Errorf("ListDevices = %+v, want sorted by id", list)
	}
}

func TestOpenCommandsFilter(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	for i, st := range []queue.Status{queue.StatusQueued, queue.StatusDelivered, queue.StatusCompleted, queue.StatusExpired} {
		c := queue.Command{UUID: string(rune('a' + i)), DeviceID: "edge-1", CommandID: "system_info", Status: st, CreatedAt: now}
		if err := s.SaveCommand(c); err != nil {
			t.Fatalf("SaveCommand: %v", err)
		}
	}

	open, err := s.ListOpenCommands()
	if err != nil {
		t.Fatalf("ListOpenCommands: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("ListOpenCommands = %d, want 2 (queued+delivered)", len(open))
	}
}

func TestResultImmutable(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	r := queue.Result{CommandUUID: "u1", DeviceID: "edge-1", ExitStatus: 0, Output: "first", Status: queue.StatusCompleted, CompletedAt: now}
	if err := s.SaveResult(r); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	r.Output = "second"
	if err := s.SaveResult(r); err == nil {
		t.Fatal("SaveResult overwrote an existing result")
	}

	got, found, err := s.GetResult("u1")
	if err != nil || !found {
		t.Fatalf("GetResult = found=%v, err=%v", found, err)
	}
	if got.Output != "first" {
		t.Errorf("Output = %q, want first", got.Output)
	}
}

func TestListResultsNewestFirstWithFilter(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, dev := range []string{"edge-1", "edge-2", "edge-1"} {
		r := queue.Result{
			CommandUUID: []string{"u1", "u2", "u3"}[i],
			DeviceID:    dev,
			Status:      queue.StatusCompleted,
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveResult(r); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}

	all, err := s.ListResults("", 10)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(all) != 3 || all[0].CommandUUID != "u3" || all[2].CommandUUID != "u1" {
		t.Errorf("ListResults order = %+v, want newest first", all)
	}

	one, err := s.ListResults("edge-2", 10)
	if err != nil {
		t.Fatalf("ListResults(edge-2): %v", err)
	}
	if len(one) != 1 || one[0].CommandUUID != "u2" {
		t.Errorf("filtered results = %+v, want only u2", one)
	}

	limited, _ := s.ListResults("", 2)
	if len(limited) != 2 {
		t.Errorf("limited results = %d, want 2", len(limited))
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	s := testStore(t)

	r := liveness.Record{DeviceID: "edge-1", LastSeen: time.Now().UTC(), Attributes: map[string]string{"hostname": "node1"}}
	if err := s.SaveHeartbeat(r); err != nil {
		t.Fatalf("SaveHeartbeat: %v", err)
	}
	r.Attributes["hostname"] = "node1b"
	if err := s.SaveHeartbeat(r); err != nil {
		t.Fatalf("SaveHeartbeat overwrite: %v", err)
	}

	recs, err := s.ListHeartbeats()
	if err != nil {
		t.Fatalf("ListHeartbeats: %v", err)
	}
	if len(recs) != 1 || recs[0].Attributes["hostname"] != "node1b" {
		t.Errorf("ListHeartbeats = %+v, want single overwritten record", recs)
	}
}

func TestAuditQueryOrderFilterLimit(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := audit.Entry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Actor:     "root",
			Action:    []string{"a", "b", "a", "b", "a"}[i],
			Target:    "edge-1",
			Outcome:   audit.OutcomeOK,
		}
		if err := s.AppendAuditEntry(e); err != nil {
			t.Fatalf("AppendAuditEntry: %v", err)
		}
	}

	all, err := s.QueryAuditEntries(audit.Filter{}, 10)
	if err != nil {
		t.Fatalf("QueryAuditEntries: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("entries = %d, want 5", len(all))
	}
	if !all[0].Timestamp.After(all[4].Timestamp) {
		t.Error("entries not newest first")
	}

	as, _ := s.QueryAuditEntries(audit.Filter{Action: "a"}, 10)
	if len(as) != 3 {
		t.Errorf("filtered entries = %d, want 3", len(as))
	}

	limited, _ := s.QueryAuditEntries(audit.Filter{}, 2)
	if len(limited) != 2 {
		t.Errorf("limited entries = %d, want 2", len(limited))
	}
}

func TestAuditQuerySubSecondOrdering(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// 500ms vs 520ms apart: a variable-width nanosecond format would sort
	// these lexicographically against the clock.
	older := audit.Entry{Timestamp: base.Add(500 * time.Millisecond), Actor: "root", Action: "first"}
	newer := audit.Entry{Timestamp: base.Add(520 * time.Millisecond), Actor: "root", Action: "second"}
	if err := s.AppendAuditEntry(older); err != nil {
		t.Fatalf("AppendAuditEntry: %v", err)
	}
	if err := s.AppendAuditEntry(newer); err != nil {
		t.Fatalf("AppendAuditEntry: %v", err)
	}

	got, err := s.QueryAuditEntries(audit.Filter{}, 10)
	if err != nil {
		t.Fatalf("QueryAuditEntries: %v", err)
	}
	if len(got) != 2 || got[0].Action != "second" || got[1].Action != "first" {
		t.Fatalf("entries = %+v, want newest first on sub-second timestamps", got)
	}
}

func TestListResultsSubSecondOrdering(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, ms := range []time.Duration{500, 520} {
		r := queue.Result{
			CommandUUID: []string{"u-older", "u-newer"}[i],
			DeviceID:    "edge-1",
			Status:      queue.StatusCompleted,
			CompletedAt: base.Add(ms * time.Millisecond),
		}
		if err := s.SaveResult(r); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}

	got, err := s.ListResults("", 10)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(got) != 2 || got[0].CommandUUID != "u-newer" || got[1].CommandUUID != "u-older" {
		t.Fatalf("results = %+v, want newest first on sub-second timestamps", got)
	}
}

func TestAuditSameInstantEntriesKept(t *testing.T) {
	s := testStore(t)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := s.AppendAuditEntry(audit.Entry{Timestamp: ts, Actor: "root", Action: "x"}); err != nil {
			t.Fatalf("AppendAuditEntry: %v", err)
		}
	}
	got, _ := s.QueryAuditEntries(audit.Filter{}, 10)
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3 (sequence disambiguates)", len(got))
	}
}

func TestShellSessionsNewestFirst(t *testing.T) {
	s := testStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		r := relay.Record{
			SessionID: []string{"s1", "s2", "s3"}[i],
			DeviceID:  "edge-1",
			AdminName: "root",
			OpenedAt:  base,
			ClosedAt:  base.Add(time.Duration(i) * time.Minute),
			Reason:    "admin disconnect",
		}
		if err := s.SaveShellSession(r); err != nil {
			t.Fatalf("SaveShellSession: %v", err)
		}
	}

	recs, err := s.ListShellSessions(2)
	if err != nil {
		t.Fatalf("ListShellSessions: %v", err)
	}
	if len(recs) != 2 || recs[0].SessionID != "s3" || recs[1].SessionID != "s2" {
		t.Errorf("ListShellSessions = %+v, want s3 then s2", recs)
	}
}
