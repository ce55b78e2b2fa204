package service

import (
	"cmp"
	"context"
	stderrors "errors"
	"slices"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/notifier"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/telemetry"
	"github.com/pesio-ai/be-wf-approvals/internal/workflow"
)

// The in-memory stores ignore SQL. Writes made through a fakeTx register an
// undo closure, so a rolled-back transaction leaves the world as it was.

var errNoSQL = stderrors.New("memstore: SQL not supported")

type errRow struct{}

func (errRow) Scan(...any) error { return errNoSQL }

type memDB struct {
	begins, commits, rollbacks int
}

func (d *memDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNoSQL
}
func (d *memDB) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, errNoSQL }
func (d *memDB) QueryRow(context.Context, string, ...any) pgx.Row        { return errRow{} }

func (d *memDB) Begin(context.Context) (database.Tx, error) {
	d.begins++
	return &fakeTx{db: d}, nil
}

type fakeTx struct {
	memDB
	db   *memDB
	undo []func()
	done bool
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.done = true
	tx.undo = nil
	tx.db.commits++
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.db.rollbacks++
	return nil
}

type seriesKey struct {
	categoryID int64
	year       int
}

type specialKey struct {
	categoryID       int64
	correctionTypeID int64
	step             int
}

type world struct {
	requests        map[int64]*repository.Request
	nextRequestID   int64
	history         []*repository.HistoryEntry
	users           map[int64]*repository.User
	specialRoles    map[int64][]int64
	userCategories  map[int64][]int64
	categories      map[int64]*repository.Category
	statuses        map[int64]*repository.Status
	correctionTypes map[int64]repository.CorrectionType
	rules           []*repository.TransitionRule
	nextRuleID      int64
	special         map[specialKey][]int64
	series          map[seriesKey]*repository.DocumentNumberConfig
	audit           []*repository.AuditLogEntry

	failStatusUpdate bool
}

func newWorld() *world {
	return &world{
		requests:        map[int64]*repository.Request{},
		nextRequestID:   1000,
		users:           map[int64]*repository.User{},
		specialRoles:    map[int64][]int64{},
		userCategories:  map[int64][]int64{},
		categories:      map[int64]*repository.Category{},
		statuses:        map[int64]*repository.Status{},
		correctionTypes: map[int64]repository.CorrectionType{},
		nextRuleID:      100,
		special:         map[specialKey][]int64{},
		series:          map[seriesKey]*repository.DocumentNumberConfig{},
	}
}

func onRollback(q database.Querier, undo func()) {
	if tx, ok := q.(*fakeTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

// ── requests ─────────────────────────────────────────────────────────────────

type memRequests struct{ w *world }

func (m memRequests) Create(_ context.Context, q database.Querier, req *repository.Request) error {
	m.w.nextRequestID++
	req.ID = m.w.nextRequestID
	req.Cycle = 1
	req.Visit = 1
	cp := *req
	m.w.requests[req.ID] = &cp
	onRollback(q, func() { delete(m.w.requests, req.ID) })
	return nil
}

func (m memRequests) Get(_ context.Context, _ database.Querier, id int64) (*repository.Request, error) {
	r, ok := m.w.requests[id]
	if !ok {
		return nil, errors.NotFound("request", id)
	}
	cp := *r
	return &cp, nil
}

func (m memRequests) GetForUpdate(ctx context.Context, q database.Querier, id int64) (*repository.Request, error) {
	return m.Get(ctx, q, id)
}

func (m memRequests) UpdateStatus(_ context.Context, q database.Querier, id, statusID int64) error {
	if m.w.failStatusUpdate {
		return errors.New(errors.ErrCodeInternal, "failed to update request status")
	}
	r, ok := m.w.requests[id]
	if !ok {
		return errors.NotFound("request", id)
	}
	oldStatus, oldVisit := r.StatusID, r.Visit
	r.StatusID = statusID
	r.Visit++
	onRollback(q, func() { r.StatusID, r.Visit = oldStatus, oldVisit })
	return nil
}

func (m memRequests) Reset(_ context.Context, q database.Querier, id, statusID int64) (int, error) {
	r, ok := m.w.requests[id]
	if !ok {
		return 0, errors.NotFound("request", id)
	}
	oldStatus, oldCycle, oldVisit := r.StatusID, r.Cycle, r.Visit
	r.StatusID = statusID
	r.Cycle++
	r.Visit++
	onRollback(q, func() { r.StatusID, r.Cycle, r.Visit = oldStatus, oldCycle, oldVisit })
	return r.Cycle, nil
}

func (m memRequests) SaveOperation(_ context.Context, q database.Querier, id int64, op repository.OperationMetadata) error {
	r := m.w.requests[id]
	old := r.Operation
	r.Operation = op
	onRollback(q, func() { r.Operation = old })
	return nil
}

func (m memRequests) SetDocumentNumber(_ context.Context, q database.Querier, id int64, number string) error {
	r := m.w.requests[id]
	old := r.DocumentNumber
	r.DocumentNumber = &number
	onRollback(q, func() { r.DocumentNumber = old })
	return nil
}

func (m memRequests) Delete(_ context.Context, q database.Querier, id int64) error {
	r, ok := m.w.requests[id]
	if !ok {
		return errors.NotFound("request", id)
	}
	oldHistory := m.w.history
	m.w.history = slices.DeleteFunc(slices.Clone(m.w.history), func(e *repository.HistoryEntry) bool {
		return e.RequestID == id
	})
	delete(m.w.requests, id)
	onRollback(q, func() {
		m.w.requests[id] = r
		m.w.history = oldHistory
	})
	return nil
}

// ── history ──────────────────────────────────────────────────────────────────

type memHistory struct{ w *world }

func (m memHistory) Append(_ context.Context, q database.Querier, entry *repository.HistoryEntry) error {
	entry.ID = int64(len(m.w.history) + 1)
	entry.CreatedAt = time.Now()
	cp := *entry
	prev := len(m.w.history)
	m.w.history = append(m.w.history, &cp)
	onRollback(q, func() { m.w.history = m.w.history[:prev] })
	return nil
}

func (m memHistory) StepApprovers(_ context.Context, _ database.Querier, requestID int64, cycle, visit int, statusID int64, step int) ([]int64, error) {
	var ids []int64
	for _, e := range m.w.history {
		if e.RequestID == requestID && e.Cycle == cycle && e.Visit == visit && e.FromStatusID == statusID &&
			e.StepSequence == step && e.ActionType == repository.ActionApprove && !slices.Contains(ids, e.ActorID) {
			ids = append(ids, e.ActorID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m memHistory) CountDistinctApprovers(ctx context.Context, q database.Querier, requestID int64, cycle, visit int, statusID int64, step int) (int, error) {
	ids, err := m.StepApprovers(ctx, q, requestID, cycle, visit, statusID, step)
	return len(ids), err
}

func (m memHistory) ListByRequest(_ context.Context, _ database.Querier, requestID int64) ([]*repository.HistoryEntry, error) {
	var out []*repository.HistoryEntry
	for _, e := range m.w.history {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (w *world) historyOf(requestID int64) []*repository.HistoryEntry {
	out, _ := memHistory{w}.ListByRequest(context.Background(), nil, requestID)
	return out
}

// ── users ────────────────────────────────────────────────────────────────────

type memUsers struct{ w *world }

func (m memUsers) FindByID(_ context.Context, _ database.Querier, id int64) (*repository.User, error) {
	u, ok := m.w.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (m memUsers) SpecialRoles(_ context.Context, _ database.Querier, userID int64) ([]int64, error) {
	return m.w.specialRoles[userID], nil
}

func (m memUsers) FindUsersByRoleAndCategory(
	_ context.Context,
	_ database.Querier,
	roleID, categoryID int64,
	filterByDept bool,
	deptID *int64,
) ([]repository.UserRef, error) {
	var out []repository.UserRef
	for _, u := range m.w.users {
		if !u.IsActive || !slices.Contains(m.w.userCategories[u.ID], categoryID) {
			continue
		}
		if u.RoleID != roleID && !slices.Contains(m.w.specialRoles[u.ID], roleID) {
			continue
		}
		if filterByDept && u.DepartmentID != nil && (deptID == nil || *u.DepartmentID != *deptID) {
			continue
		}
		out = append(out, u.Ref())
	}
	slices.SortFunc(out, func(a, b repository.UserRef) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m memUsers) FindActiveByIDs(_ context.Context, _ database.Querier, ids []int64) ([]repository.UserRef, error) {
	var out []repository.UserRef
	for _, id := range ids {
		if u, ok := m.w.users[id]; ok && u.IsActive {
			out = append(out, u.Ref())
		}
	}
	return out, nil
}

// ── master data ──────────────────────────────────────────────────────────────

type memMaster struct{ w *world }

func (m memMaster) GetCategory(_ context.Context, _ database.Querier, id int64) (*repository.Category, error) {
	c, ok := m.w.categories[id]
	if !ok {
		return nil, errors.NotFound("category", id)
	}
	cp := *c
	return &cp, nil
}

func (m memMaster) GetStatus(_ context.Context, _ database.Querier, id int64) (*repository.Status, error) {
	s, ok := m.w.statuses[id]
	if !ok {
		return nil, errors.NotFound("status", id)
	}
	cp := *s
	return &cp, nil
}

func (m memMaster) InitialStatus(_ context.Context, _ database.Querier, categoryID int64) (*repository.Status, error) {
	for _, s := range m.w.statuses {
		if s.CategoryID == categoryID && s.Type == repository.StatusInitial {
			cp := *s
			return &cp, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeConfiguration, "category %d has no initial status configured", categoryID)
}

func (m memMaster) CorrectionTypesByIDs(_ context.Context, _ database.Querier, ids []int64) ([]repository.CorrectionType, error) {
	var out []repository.CorrectionType
	for _, id := range ids {
		if ct, ok := m.w.correctionTypes[id]; ok {
			out = append(out, ct)
		}
	}
	slices.SortFunc(out, func(a, b repository.CorrectionType) int { return cmp.Compare(a.Priority, b.Priority) })
	return out, nil
}

// ── audit ────────────────────────────────────────────────────────────────────

type memAudit struct {
	w    *world
	fail bool
}

func (m *memAudit) Create(_ context.Context, _ database.Querier, e *repository.AuditLogEntry) error {
	if m.fail {
		return stderrors.New("audit store down")
	}
	m.w.audit = append(m.w.audit, e)
	return nil
}

// ── rules ────────────────────────────────────────────────────────────────────

type memRules struct{ w *world }

func (m memRules) withPriority(r *repository.TransitionRule) *repository.TransitionRule {
	cp := *r
	if cp.CorrectionTypeID != nil {
		p := m.w.correctionTypes[*cp.CorrectionTypeID].Priority
		cp.CorrectionPriority = &p
	}
	return &cp
}

func (m memRules) ListForStatus(_ context.Context, _ database.Querier, categoryID, statusID int64, correctionTypeIDs []int64) ([]*repository.TransitionRule, error) {
	var out []*repository.TransitionRule
	for _, r := range m.w.rules {
		if r.CategoryID != categoryID || r.CurrentStatusID != statusID {
			continue
		}
		if r.CorrectionTypeID != nil && !slices.Contains(correctionTypeIDs, *r.CorrectionTypeID) {
			continue
		}
		out = append(out, m.withPriority(r))
	}
	return out, nil
}

func sameKey(a, b *repository.TransitionRule) bool {
	sameCT := (a.CorrectionTypeID == nil && b.CorrectionTypeID == nil) ||
		(a.CorrectionTypeID != nil && b.CorrectionTypeID != nil && *a.CorrectionTypeID == *b.CorrectionTypeID)
	return a.ID != b.ID && sameCT && a.CategoryID == b.CategoryID && a.CurrentStatusID == b.CurrentStatusID &&
		a.Action == b.Action && a.RoleID == b.RoleID
}

func (m memRules) Create(_ context.Context, q database.Querier, rule *repository.TransitionRule) error {
	for _, r := range m.w.rules {
		if sameKey(r, rule) {
			return errors.New(errors.ErrCodeConfiguration,
				"a rule for this category, correction type, status, action and role already exists")
		}
	}
	m.w.nextRuleID++
	rule.ID = m.w.nextRuleID
	cp := *rule
	prev := len(m.w.rules)
	m.w.rules = append(m.w.rules, &cp)
	onRollback(q, func() { m.w.rules = m.w.rules[:prev] })
	return nil
}

func (m memRules) GetByID(_ context.Context, _ database.Querier, id int64) (*repository.TransitionRule, error) {
	for _, r := range m.w.rules {
		if r.ID == id {
			return m.withPriority(r), nil
		}
	}
	return nil, errors.NotFound("transition_rule", id)
}

func (m memRules) ListByCategory(_ context.Context, _ database.Querier, categoryID int64) ([]*repository.TransitionRule, error) {
	var out []*repository.TransitionRule
	for _, r := range m.w.rules {
		if r.CategoryID == categoryID {
			out = append(out, m.withPriority(r))
		}
	}
	return out, nil
}

func (m memRules) Update(_ context.Context, q database.Querier, rule *repository.TransitionRule) error {
	for i, r := range m.w.rules {
		if r.ID == rule.ID {
			old := r
			cp := *rule
			m.w.rules[i] = &cp
			onRollback(q, func() { m.w.rules[i] = old })
			return nil
		}
	}
	return errors.NotFound("transition_rule", rule.ID)
}

func (m memRules) Delete(_ context.Context, _ database.Querier, id int64) error {
	before := len(m.w.rules)
	m.w.rules = slices.DeleteFunc(m.w.rules, func(r *repository.TransitionRule) bool { return r.ID == id })
	if len(m.w.rules) == before {
		return errors.NotFound("transition_rule", id)
	}
	return nil
}

// ── special approvers ────────────────────────────────────────────────────────

type memSpecial struct{ w *world }

func keyOf(categoryID int64, correctionTypeID *int64, step int) specialKey {
	k := specialKey{categoryID: categoryID, step: step}
	if correctionTypeID != nil {
		k.correctionTypeID = *correctionTypeID
	}
	return k
}

func (m memSpecial) Find(_ context.Context, _ database.Querier, categoryID int64, correctionTypeID *int64, step int) ([]int64, error) {
	return m.w.special[keyOf(categoryID, correctionTypeID, step)], nil
}

func (m memSpecial) Replace(_ context.Context, q database.Querier, sm *repository.SpecialApproverMapping) error {
	k := keyOf(sm.CategoryID, sm.CorrectionTypeID, sm.StepSequence)
	old, had := m.w.special[k]
	m.w.special[k] = slices.Clone(sm.UserIDs)
	onRollback(q, func() {
		if had {
			m.w.special[k] = old
		} else {
			delete(m.w.special, k)
		}
	})
	return nil
}

// ── document numbers ─────────────────────────────────────────────────────────

type memSeries struct{ w *world }

func (m memSeries) LockForUpdate(_ context.Context, _ database.Querier, categoryID int64, fiscalYear int) (*repository.DocumentNumberConfig, error) {
	c, ok := m.w.series[seriesKey{categoryID, fiscalYear}]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m memSeries) SetRunningNumber(_ context.Context, q database.Querier, id int64, n int) error {
	for _, c := range m.w.series {
		if c.ID == id {
			old := c.LastRunningNumber
			c.LastRunningNumber = n
			onRollback(q, func() { c.LastRunningNumber = old })
			return nil
		}
	}
	return errors.NotFound("document_number_config", id)
}

func (m memSeries) Upsert(_ context.Context, q database.Querier, cfg *repository.DocumentNumberConfig) error {
	k := seriesKey{cfg.CategoryID, cfg.FiscalYear}
	if c, ok := m.w.series[k]; ok {
		c.Prefix = cfg.Prefix
		c.LastRunningNumber = max(c.LastRunningNumber, cfg.LastRunningNumber)
		*cfg = *c
		return nil
	}
	cfg.ID = int64(len(m.w.series) + 1)
	cp := *cfg
	m.w.series[k] = &cp
	onRollback(q, func() { delete(m.w.series, k) })
	return nil
}

// ── notifier ─────────────────────────────────────────────────────────────────

type recordingNotifier struct {
	msgs []notifier.Message
}

func (n *recordingNotifier) Dispatch(_ context.Context, msg notifier.Message) {
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) last() notifier.Message {
	if len(n.msgs) == 0 {
		return notifier.Message{}
	}
	return n.msgs[len(n.msgs)-1]
}

// ── fixture ──────────────────────────────────────────────────────────────────

const (
	categoryIT int64 = 1

	statusDraft     int64 = 10
	statusManager   int64 = 11
	statusReview    int64 = 12
	statusIT        int64 = 13
	statusRevision  int64 = 14
	statusCompleted int64 = 15
	statusOpClose   int64 = 16
	statusRejected  int64 = 17
	statusUrgent    int64 = 18

	roleStaff    int64 = 1
	roleManager  int64 = 2
	roleFinance  int64 = 3
	roleSecurity int64 = 4
	roleIT       int64 = 5
	roleAdmin    int64 = 9

	userRequester int64 = 1
	userManager   int64 = 2
	userFinance   int64 = 3
	userSecurity  int64 = 4
	userOperator  int64 = 5
	userOtherMgr  int64 = 6
	userAdmin     int64 = 9

	ctUrgent   int64 = 7
	ctHardware int64 = 8
)

type fixture struct {
	w     *world
	db    *memDB
	notes *recordingNotifier
	audit *memAudit
	svc   *ApprovalService
	admin *RuleAdminService
}

func ptr[T any](v T) *T { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := newWorld()

	w.categories[categoryIT] = &repository.Category{
		ID: categoryIT, Name: "IT Request", RequiresOperationalClose: true, OperationalCloseStatusID: ptr(statusOpClose),
	}
	for id, st := range map[int64]struct {
		name string
		typ  repository.StatusType
	}{
		statusDraft:     {"Draft", repository.StatusInitial},
		statusManager:   {"Manager approval", repository.StatusApproval},
		statusReview:    {"Finance and security review", repository.StatusApproval},
		statusIT:        {"IT processing", repository.StatusApproval},
		statusRevision:  {"Needs revision", repository.StatusRevision},
		statusCompleted: {"Completed", repository.StatusCompleted},
		statusOpClose:   {"Operational close", repository.StatusOperationalClose},
		statusRejected:  {"Rejected", repository.StatusRejected},
		statusUrgent:    {"Urgent handling", repository.StatusApproval},
	} {
		w.statuses[id] = &repository.Status{ID: id, CategoryID: categoryIT, Name: st.name, Type: st.typ}
	}
	w.correctionTypes[ctUrgent] = repository.CorrectionType{ID: ctUrgent, Name: "Urgent", Priority: 1}
	w.correctionTypes[ctHardware] = repository.CorrectionType{ID: ctHardware, Name: "Hardware", Priority: 2}

	addUser := func(id, role int64, roleName string, dept *int64) {
		w.users[id] = &repository.User{
			ID: id, RoleID: role, RoleName: roleName, DepartmentID: dept, IsActive: true,
			Email: roleName + "@example.com", FullName: roleName,
		}
		w.userCategories[id] = []int64{categoryIT}
	}
	addUser(userRequester, roleStaff, "staff", ptr(int64(10)))
	addUser(userManager, roleManager, "manager", ptr(int64(10)))
	addUser(userFinance, roleFinance, "finance", nil)
	addUser(userSecurity, roleSecurity, "security", nil)
	addUser(userOperator, roleIT, "it", nil)
	addUser(userOtherMgr, roleManager, "manager2", ptr(int64(20)))
	addUser(userAdmin, roleAdmin, "admin", nil)

	rule := func(id, from, role int64, action string, typ repository.ActionType, next int64) *repository.TransitionRule {
		return &repository.TransitionRule{
			ID: id, CategoryID: categoryIT, CurrentStatusID: from, RoleID: role,
			Action: action, ActionType: typ, NextStatusID: next, StepSequence: 1,
		}
	}
	approve := rule(1, statusDraft, roleManager, "approve", repository.ActionApprove, statusReview)
	approve.FilterByDepartment = true
	urgent := rule(7, statusDraft, roleManager, "approve", repository.ActionApprove, statusUrgent)
	urgent.CorrectionTypeID = ptr(ctUrgent)
	w.rules = []*repository.TransitionRule{
		approve,
		rule(2, statusDraft, roleManager, "revise", repository.ActionRevise, statusRevision),
		rule(3, statusDraft, roleManager, "reject", repository.ActionReject, statusRejected),
		rule(4, statusReview, roleFinance, "approve", repository.ActionApprove, statusIT),
		rule(5, statusReview, roleSecurity, "approve", repository.ActionApprove, statusIT),
		rule(6, statusIT, roleIT, "process", repository.ActionProcess, statusCompleted),
		urgent,
	}

	w.series[seriesKey{categoryIT, 2026}] = &repository.DocumentNumberConfig{
		ID: 1, CategoryID: categoryIT, FiscalYear: 2026, Prefix: "IT-26-", LastRunningNumber: 41,
	}

	db := &memDB{}
	notes := &recordingNotifier{}
	audit := &memAudit{w: w}
	stores := Stores{
		Requests:   memRequests{w},
		History:    memHistory{w},
		Users:      memUsers{w},
		MasterData: memMaster{w},
		Audit:      audit,
	}
	engine := workflow.NewEngine(memRules{w}, memHistory{w}, memSpecial{w}, memUsers{w}, memSeries{w})
	svc := NewApprovalService(db, stores, engine, notes, telemetry.Noop(), Options{}, logger.Nop())
	svc.now = func() time.Time { return time.Date(2026, time.May, 4, 9, 30, 0, 0, time.UTC) }
	admin := NewRuleAdminService(db, memRules{w}, memSpecial{w}, memSeries{w}, memMaster{w}, audit, logger.Nop())

	return &fixture{w: w, db: db, notes: notes, audit: audit, svc: svc, admin: admin}
}

// seedRequest stores a request from userRequester in statusID.
func (f *fixture) seedRequest(statusID int64, correctionTypes ...int64) int64 {
	f.w.nextRequestID++
	id := f.w.nextRequestID
	req := &repository.Request{
		ID:           id,
		CategoryID:   categoryIT,
		StatusID:     statusID,
		RequesterID:  userRequester,
		DepartmentID: ptr(int64(10)),
		RequestDate:  time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC),
		Cycle:        1,
		Visit:        1,
	}
	for _, ct := range correctionTypes {
		req.CorrectionTypes = append(req.CorrectionTypes, f.w.correctionTypes[ct])
	}
	f.w.requests[id] = req
	return id
}

func (f *fixture) status(requestID int64) int64 {
	return f.w.requests[requestID].StatusID
}

func userIDs(users []repository.UserRef) []int64 {
	out := make([]int64, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}
