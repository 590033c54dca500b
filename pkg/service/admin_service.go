package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/psyho/psyho/pkg/apps"
	"github.com/psyho/psyho/pkg/auth"
	"github.com/psyho/psyho/pkg/db"
	"github.com/psyho/psyho/pkg/event"
)

var (
	ErrModelNotRegistered = errors.New("model is not registered with the admin site")
	ErrAlreadyRegistered  = errors.New("model is already registered with the admin site")
	ErrObjectNotFound     = errors.New("object does not exist")
)

// ValidationError rejects an add or change request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ModelAdmin describes how the admin site exposes one gorm model. Field
// names are the model's JSON names, which match its column names.
type ModelAdmin struct {
	AppLabel string
	// Model is a pointer to a zero value of the gorm model.
	Model any
	// Verbose is the human name, "user" for auth.User.
	Verbose string

	SearchFields   []string
	OrderingFields []string
	// Ordering is the ORDER BY clause used when the request has none.
	Ordering string
	// Editable fields are accepted on add and change. Everything else
	// sent by a client is rejected as read-only.
	Editable []string
	// Required fields must be present and non-empty on add.
	Required []string
	// Defaults fill fields a client leaves out on add.
	Defaults map[string]any

	// Repr renders an object for the admin log.
	Repr func(obj any) string
	// BeforeAdd completes a new object before it is inserted.
	BeforeAdd func(obj any) error
	// Validate runs before every insert or update.
	Validate func(tx *gorm.DB, obj any, adding bool) error
}

// Name is the lower-cased model name.
func (m *ModelAdmin) Name() string { return apps.ModelName(m.Model) }

func (m *ModelAdmin) modelType() reflect.Type {
	return reflect.TypeOf(m.Model).Elem()
}

func (m *ModelAdmin) newObject() any {
	return reflect.New(m.modelType()).Interface()
}

func (m *ModelAdmin) newSlice() any {
	return reflect.New(reflect.SliceOf(m.modelType())).Interface()
}

// ObjectRepr renders obj the way the admin log records it.
func (m *ModelAdmin) ObjectRepr(obj any) string {
	if m.Repr != nil {
		return m.Repr(obj)
	}
	return fmt.Sprintf("%s object (%s)", m.modelType().Name(), objectID(obj))
}

// ListOptions selects one page of a changelist.
type ListOptions struct {
	Search string
	Order  string
	Offset int
	Limit  int
}

// AdminSite is the registry of ModelAdmins plus the operations the admin
// handlers run against them.
type AdminSite struct {
	db      *gorm.DB
	ctypes  *ContentTypeService
	emitter *event.Emitter
	models  map[[2]string]*ModelAdmin
}

func NewAdminSite(gdb *gorm.DB, ctypes *ContentTypeService, emitter *event.Emitter) *AdminSite {
	return &AdminSite{
		db:      gdb,
		ctypes:  ctypes,
		emitter: emitter,
		models:  map[[2]string]*ModelAdmin{},
	}
}

// Register adds m to the site.
func (s *AdminSite) Register(m *ModelAdmin) error {
	k := [2]string{m.AppLabel, m.Name()}
	if _, ok := s.models[k]; ok {
		return fmt.Errorf("%s.%s: %w", k[0], k[1], ErrAlreadyRegistered)
	}
	s.models[k] = m
	return nil
}

// Lookup returns the ModelAdmin for appLabel.model.
func (s *AdminSite) Lookup(appLabel, model string) (*ModelAdmin, error) {
	m, ok := s.models[[2]string{appLabel, model}]
	if !ok {
		return nil, ErrModelNotRegistered
	}
	return m, nil
}

// Registered returns the registered models sorted by app label and name.
func (s *AdminSite) Registered() []*ModelAdmin {
	out := make([]*ModelAdmin, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppLabel != out[j].AppLabel {
			return out[i].AppLabel < out[j].AppLabel
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

func (s *AdminSite) Count(ctx context.Context, m *ModelAdmin) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(m.newObject()).Count(&n).Error
	return n, err
}

// List returns one page of objects and the total matching count.
func (s *AdminSite) List(ctx context.Context, m *ModelAdmin, opts ListOptions) (any, int64, error) {
	q := s.db.WithContext(ctx).Model(m.newObject())
	if term := strings.TrimSpace(opts.Search); term != "" && len(m.SearchFields) > 0 {
		like := "%" + strings.ToLower(term) + "%"
		conds := make([]string, 0, len(m.SearchFields))
		args := make([]any, 0, len(m.SearchFields))
		for _, f := range m.SearchFields {
			conds = append(conds, "LOWER("+f+") LIKE ?")
			args = append(args, like)
		}
		q = q.Where(strings.Join(conds, " OR "), args...)
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", m.Name(), err)
	}
	order := opts.Order
	if order == "" {
		order = m.Ordering
	}
	if order != "" {
		q = q.Order(order)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	rows := m.newSlice()
	if err := q.Find(rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", m.Name(), err)
	}
	return reflect.ValueOf(rows).Elem().Interface(), total, nil
}

// Get loads one object by primary key.
func (s *AdminSite) Get(ctx context.Context, m *ModelAdmin, id string) (any, error) {
	return s.get(s.db.WithContext(ctx), m, id)
}

func (s *AdminSite) get(tx *gorm.DB, m *ModelAdmin, id string) (any, error) {
	obj := m.newObject()
	err := tx.Where("id = ?", id).First(obj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Add creates an object from values on behalf of user.
func (s *AdminSite) Add(ctx context.Context, m *ModelAdmin, user *db.User, values map[string]any) (any, error) {
	if err := checkEditable(m, values); err != nil {
		return nil, err
	}
	for _, f := range m.Required {
		if isBlank(values[f]) {
			return nil, &ValidationError{Field: f, Message: "This field is required."}
		}
	}
	merged := make(map[string]any, len(m.Defaults)+len(values))
	for k, v := range m.Defaults {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	obj := m.newObject()
	if err := assign(obj, merged); err != nil {
		return nil, err
	}
	if m.BeforeAdd != nil {
		if err := m.BeforeAdd(obj); err != nil {
			return nil, err
		}
	}
	ctID, err := s.contentTypeID(ctx, m)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if m.Validate != nil {
			if err := m.Validate(tx, obj, true); err != nil {
				return err
			}
		}
		if err := tx.Create(obj).Error; err != nil {
			return fmt.Errorf("create %s: %w", m.Name(), err)
		}
		return s.logAction(tx, m, user, obj, ctID, db.ActionAddition, changeMessage("added", nil))
	})
	if err != nil {
		return nil, err
	}
	s.emit(event.ObjectAddedEvent{ObjectRef: s.ref(m, user, obj)})
	return obj, nil
}

// Change applies values to the object with id and returns it with the
// names of the fields that actually changed.
func (s *AdminSite) Change(ctx context.Context, m *ModelAdmin, user *db.User, id string, values map[string]any) (any, []string, error) {
	if err := checkEditable(m, values); err != nil {
		return nil, nil, err
	}
	ctID, err := s.contentTypeID(ctx, m)
	if err != nil {
		return nil, nil, err
	}
	var (
		obj     any
		changed []string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		obj, err = s.get(tx, m, id)
		if err != nil {
			return err
		}
		before, err := toMap(obj)
		if err != nil {
			return err
		}
		if err := assign(obj, values); err != nil {
			return err
		}
		after, err := toMap(obj)
		if err != nil {
			return err
		}
		for f := range values {
			if !reflect.DeepEqual(before[f], after[f]) {
				changed = append(changed, f)
			}
		}
		sort.Strings(changed)
		if len(changed) == 0 {
			return nil
		}
		if m.Validate != nil {
			if err := m.Validate(tx, obj, false); err != nil {
				return err
			}
		}
		if err := tx.Model(obj).Select(changed).Updates(obj).Error; err != nil {
			return fmt.Errorf("update %s: %w", m.Name(), err)
		}
		return s.logAction(tx, m, user, obj, ctID, db.ActionChange, changeMessage("changed", changed))
	})
	if err != nil {
		return nil, nil, err
	}
	if len(changed) > 0 {
		s.emit(event.ObjectChangedEvent{ObjectRef: s.ref(m, user, obj), Fields: changed})
	}
	return obj, changed, nil
}

// Delete removes the object with id.
func (s *AdminSite) Delete(ctx context.Context, m *ModelAdmin, user *db.User, id string) error {
	ctID, err := s.contentTypeID(ctx, m)
	if err != nil {
		return err
	}
	var obj any
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		obj, err = s.get(tx, m, id)
		if err != nil {
			return err
		}
		if err := s.logAction(tx, m, user, obj, ctID, db.ActionDeletion, changeMessage("deleted", nil)); err != nil {
			return err
		}
		if err := tx.Delete(obj).Error; err != nil {
			return fmt.Errorf("delete %s: %w", m.Name(), err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(event.ObjectDeletedEvent{ObjectRef: s.ref(m, user, obj)})
	return nil
}

// RecentActions returns the newest admin_log rows written by userID.
func (s *AdminSite) RecentActions(ctx context.Context, userID uint, limit int) ([]db.LogEntry, error) {
	var out []db.LogEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("action_time DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// contentTypeID is resolved outside the write transaction; sqlite allows
// a single writer.
func (s *AdminSite) contentTypeID(ctx context.Context, m *ModelAdmin) (*uint, error) {
	if s.ctypes == nil {
		return nil, nil
	}
	ct, err := s.ctypes.Get(ctx, m.AppLabel, m.Name())
	if err != nil {
		return nil, err
	}
	return &ct.ID, nil
}

func (s *AdminSite) logAction(tx *gorm.DB, m *ModelAdmin, user *db.User, obj any, ctID *uint, flag int, msg string) error {
	entry := db.LogEntry{
		ActionTime:    time.Now().UTC(),
		ContentTypeID: ctID,
		ObjectID:      objectID(obj),
		ObjectRepr:    truncate(m.ObjectRepr(obj), 200),
		ActionFlag:    flag,
		ChangeMessage: msg,
	}
	if user != nil {
		entry.UserID = user.ID
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("write admin log: %w", err)
	}
	return nil
}

func (s *AdminSite) ref(m *ModelAdmin, user *db.User, obj any) event.ObjectRef {
	r := event.ObjectRef{
		AppLabel: m.AppLabel,
		Model:    m.Name(),
		ObjectID: objectID(obj),
		Repr:     m.ObjectRepr(obj),
	}
	if user != nil {
		r.UserID = user.ID
	}
	return r
}

func (s *AdminSite) emit(ev event.Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}

// changeMessage renders the admin_log change message in Django's JSON form.
func changeMessage(action string, fields []string) string {
	body := map[string]any{}
	if fields != nil {
		body["fields"] = fields
	}
	b, _ := json.Marshal([]map[string]any{{action: body}})
	return string(b)
}

func checkEditable(m *ModelAdmin, values map[string]any) error {
	for f := range values {
		if !contains(m.Editable, f) {
			return &ValidationError{Field: f, Message: "This field is read-only or unknown."}
		}
	}
	return nil
}

// assign decodes values into obj through its JSON field names.
func assign(obj any, values map[string]any) error {
	b, err := json.Marshal(values)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	if err := json.Unmarshal(b, obj); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return &ValidationError{Field: te.Field, Message: "Expected a value of type " + te.Type.String() + "."}
		}
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

func toMap(obj any) (map[string]any, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	return out, json.Unmarshal(b, &out)
}

func objectID(obj any) string {
	m, err := toMap(obj)
	if err != nil {
		return ""
	}
	switch id := m["id"].(type) {
	case float64:
		return fmt.Sprintf("%d", int64(id))
	case string:
		return id
	}
	return ""
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// UserAdmin registers auth.User. Passwords are never exposed and cannot
// be set through the admin; new users get an unusable password.
func UserAdmin() *ModelAdmin {
	return &ModelAdmin{
		AppLabel:       "auth",
		Model:          &db.User{},
		Verbose:        "user",
		SearchFields:   []string{"username", "first_name", "last_name", "email"},
		OrderingFields: []string{"id", "username", "email", "first_name", "last_name", "is_staff", "date_joined", "last_login"},
		Ordering:       "username ASC",
		Editable:       []string{"username", "email", "first_name", "last_name", "is_active", "is_staff", "is_superuser"},
		Required:       []string{"username"},
		Defaults:       map[string]any{"is_active": true},
		Repr:           func(obj any) string { return obj.(*db.User).Username },
		BeforeAdd: func(obj any) error {
			u := obj.(*db.User)
			u.Username = strings.TrimSpace(u.Username)
			u.Email = normalizeEmail(u.Email)
			u.Password = auth.UnusablePassword()
			u.DateJoined = time.Now().UTC()
			return nil
		},
		Validate: func(tx *gorm.DB, obj any, adding bool) error {
			u := obj.(*db.User)
			if strings.TrimSpace(u.Username) == "" {
				return &ValidationError{Field: "username", Message: "This field is required."}
			}
			var n int64
			q := tx.Model(&db.User{}).Where("username = ?", u.Username)
			if !adding {
				q = q.Where("id <> ?", u.ID)
			}
			if err := q.Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return &ValidationError{Field: "username", Message: "A user with that username already exists."}
			}
			return nil
		},
	}
}
