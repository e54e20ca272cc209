package handlers

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"backoffice-backend/internal/models"
	"backoffice-backend/internal/storage"
)

type fakeStore struct {
	mu         sync.Mutex
	users      map[string]*models.User
	orgs       map[string]*models.Organization
	members    map[string]*models.Member
	deliveries map[string]*models.WebhookDelivery
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]*models.User{},
		orgs:       map[string]*models.Organization{},
		members:    map[string]*models.Member{},
		deliveries: map[string]*models.WebhookDelivery{},
	}
}

func paginate[T any](items []T, params models.ListParams) models.Page[T] {
	params = params.Normalize()
	page := models.Page[T]{Items: []T{}, Total: len(items), Page: params.Page, PageSize: params.PageSize}
	start := params.Offset()
	if start >= len(items) {
		return page
	}
	end := start + params.PageSize
	if end > len(items) {
		end = len(items)
	}
	page.Items = append(page.Items, items[start:end]...)
	return page
}

func (s *fakeStore) ListUsers(_ context.Context, params models.ListParams) (models.Page[models.User], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	for _, u := range s.users {
		if params.Search != "" && !strings.Contains(strings.ToLower(u.Email), strings.ToLower(params.Search)) {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return paginate(out, params), nil
}

func (s *fakeStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return storage.ErrEmailTaken
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return storage.ErrUserNotFound
	}
	for id, u := range s.users {
		if id != user.ID && strings.EqualFold(u.Email, user.Email) {
			return storage.ErrEmailTaken
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return storage.ErrUserNotFound
	}
	delete(s.users, id)
	for mid, m := range s.members {
		if m.UserID == id {
			delete(s.members, mid)
		}
	}
	return nil
}

func (s *fakeStore) ListOrganizations(_ context.Context, params models.ListParams) (models.Page[models.Organization], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Organization
	for _, o := range s.orgs {
		cp := *o
		cp.MembersCount = s.countLocked(o.ID)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return paginate(out, params), nil
}

func (s *fakeStore) countLocked(orgID string) int {
	n := 0
	for _, m := range s.members {
		if m.OrganizationID == orgID {
			n++
		}
	}
	return n
}

func (s *fakeStore) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, storage.ErrOrgNotFound
	}
	cp := *o
	cp.MembersCount = s.countLocked(id)
	return &cp, nil
}

func (s *fakeStore) CreateOrganization(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.Slug == org.Slug {
			return storage.ErrSlugTaken
		}
	}
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateOrganization(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		return storage.ErrOrgNotFound
	}
	for id, o := range s.orgs {
		if id != org.ID && o.Slug == org.Slug {
			return storage.ErrSlugTaken
		}
	}
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteOrganization(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return storage.ErrOrgNotFound
	}
	delete(s.orgs, id)
	for mid, m := range s.members {
		if m.OrganizationID == id {
			delete(s.members, mid)
		}
	}
	return nil
}

func (s *fakeStore) ListMembers(_ context.Context, filter models.MemberFilter, params models.ListParams) (models.Page[models.Member], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Member
	for _, m := range s.members {
		if filter.OrganizationID != "" && m.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.UserID != "" && m.UserID != filter.UserID {
			continue
		}
		if filter.Role != "" && m.Role != models.NormalizeRole(filter.Role) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, params), nil
}

func (s *fakeStore) GetMember(_ context.Context, id string) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, storage.ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) CreateMember(_ context.Context, member *models.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[member.OrganizationID]; !ok {
		return storage.ErrInvalidReference
	}
	if _, ok := s.users[member.UserID]; !ok {
		return storage.ErrInvalidReference
	}
	for _, m := range s.members {
		if m.OrganizationID == member.OrganizationID && m.UserID == member.UserID {
			return storage.ErrMemberExists
		}
	}
	if member.ID == "" {
		member.ID = uuid.NewString()
	}
	member.Role = models.NormalizeRole(member.Role)
	cp := *member
	s.members[member.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateMemberRole(_ context.Context, id, role string) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, storage.ErrMemberNotFound
	}
	m.Role = models.NormalizeRole(role)
	cp := *m
	return &cp, nil
}

func (s *fakeStore) DeleteMember(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[id]; !ok {
		return storage.ErrMemberNotFound
	}
	delete(s.members, id)
	return nil
}

func (s *fakeStore) ListDeliveries(_ context.Context, filter models.DeliveryFilter, params models.ListParams) (models.Page[models.WebhookDelivery], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookDelivery
	for _, d := range s.deliveries {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.EventType != "" && d.EventType != filter.EventType {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, params), nil
}

func (s *fakeStore) GetDelivery(_ context.Context, id string) (*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, storage.ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) RequeueDelivery(_ context.Context, id string, at time.Time) (*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, storage.ErrDeliveryNotFound
	}
	switch d.Status {
	case models.DeliveryStatusDead:
		d.Attempts = 0
	case models.DeliveryStatusRetryReady:
	default:
		return nil, storage.ErrDeliveryNotReplayable
	}
	d.Status = models.DeliveryStatusRetryReady
	d.NextAttemptAt = &at
	cp := *d
	return &cp, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Subject())
	}
	return out
}
