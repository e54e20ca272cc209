package clerksync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"backoffice-backend/internal/models"
	"backoffice-backend/internal/storage"
)

// memStore is an in-memory Store used by the sync tests.
type memStore struct {
	mu         sync.Mutex
	users      map[string]*models.User
	orgs       map[string]*models.Organization
	members    map[string]*models.Member
	deliveries map[string]*models.WebhookDelivery

	upsertUserErrs []error
	upsertOrgErrs  []error
}

func newMemStore() *memStore {
	return &memStore{
		users:      map[string]*models.User{},
		orgs:       map[string]*models.Organization{},
		members:    map[string]*models.Member{},
		deliveries: map[string]*models.WebhookDelivery{},
	}
}

func (s *memStore) UpsertUserByExternalID(_ context.Context, user *models.User) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.upsertUserErrs) > 0 {
		err := s.upsertUserErrs[0]
		s.upsertUserErrs = s.upsertUserErrs[1:]
		return false, err
	}

	for _, u := range s.users {
		if u.ExternalID != nil && *u.ExternalID == *user.ExternalID {
			user.ID = u.ID
			cp := *user
			s.users[u.ID] = &cp
			return false, nil
		}
	}
	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return false, storage.ErrEmailTaken
		}
	}
	user.ID = uuid.NewString()
	cp := *user
	s.users[user.ID] = &cp
	return true, nil
}

func (s *memStore) DeleteUserByExternalID(_ context.Context, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, u := range s.users {
		if u.ExternalID != nil && *u.ExternalID == externalID {
			delete(s.users, id)
			for mid, m := range s.members {
				if m.UserID == id {
					delete(s.members, mid)
				}
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) GetUserByExternalID(_ context.Context, externalID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.ExternalID != nil && *u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (s *memStore) UpsertOrganizationByExternalID(_ context.Context, org *models.Organization) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.upsertOrgErrs) > 0 {
		err := s.upsertOrgErrs[0]
		s.upsertOrgErrs = s.upsertOrgErrs[1:]
		return false, err
	}

	for _, o := range s.orgs {
		if o.ExternalID != nil && *o.ExternalID == *org.ExternalID {
			org.ID = o.ID
			cp := *org
			s.orgs[o.ID] = &cp
			return false, nil
		}
	}
	org.ID = uuid.NewString()
	cp := *org
	s.orgs[org.ID] = &cp
	return true, nil
}

func (s *memStore) DeleteOrganizationByExternalID(_ context.Context, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, o := range s.orgs {
		if o.ExternalID != nil && *o.ExternalID == externalID {
			delete(s.orgs, id)
			for mid, m := range s.members {
				if m.OrganizationID == id {
					delete(s.members, mid)
				}
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) GetOrganizationByExternalID(_ context.Context, externalID string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orgs {
		if o.ExternalID != nil && *o.ExternalID == externalID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, storage.ErrOrgNotFound
}

func (s *memStore) UpsertMemberByExternalID(_ context.Context, member *models.Member) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.members {
		if m.OrganizationID == member.OrganizationID && m.UserID == member.UserID {
			member.ID = m.ID
			cp := *member
			s.members[m.ID] = &cp
			return false, nil
		}
	}
	member.ID = uuid.NewString()
	cp := *member
	s.members[member.ID] = &cp
	return true, nil
}

func (s *memStore) DeleteMemberByExternalID(_ context.Context, externalID, organizationID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.members {
		if (m.ExternalID != nil && *m.ExternalID == externalID) ||
			(organizationID != "" && userID != "" && m.OrganizationID == organizationID && m.UserID == userID) {
			delete(s.members, id)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CompleteDelivery(_ context.Context, id string) error {
	return s.finish(id, models.DeliveryStatusProcessed)
}

func (s *memStore) IgnoreDelivery(_ context.Context, id string) error {
	return s.finish(id, models.DeliveryStatusIgnored)
}

func (s *memStore) finish(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return storage.ErrDeliveryNotFound
	}
	d.Attempts++
	d.Status = status
	d.NextAttemptAt = nil
	return nil
}

func (s *memStore) FailDelivery(_ context.Context, id string, cause error, next time.Time, maxAttempts int, terminal bool) (*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, storage.ErrDeliveryNotFound
	}
	d.Attempts++
	msg := cause.Error()
	d.LastError = &msg
	if terminal || d.Attempts >= maxAttempts {
		d.Status = models.DeliveryStatusDead
		d.NextAttemptAt = nil
	} else {
		d.Status = models.DeliveryStatusRetryReady
		d.NextAttemptAt = &next
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) addDelivery(d *models.WebhookDelivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
}

func (s *memStore) delivery(id string) models.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.deliveries[id]
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

type recordingNotifier struct {
	dead []string
}

func (n *recordingNotifier) NotifyDeadDelivery(_ context.Context, d *models.WebhookDelivery) error {
	n.dead = append(n.dead, d.DeliveryID)
	return nil
}
