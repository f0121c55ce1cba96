package genesys

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	discoveryPageSize = 100
	discoveryPageCap  = 50
)

// QueueRef identifies a discovered routing queue.
type QueueRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserRef identifies a discovered active user.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// BuilderPreview is the discovery half of a topic preview.
type BuilderPreview struct {
	Mode        string     `json:"mode"`
	GeneratedAt string     `json:"generated_at,omitempty"`
	Topics      []string   `json:"topics"`
	Queues      []QueueRef `json:"queues"`
	Users       []UserRef  `json:"users"`
}

// TopicPreview merges manual and discovered subscription topics.
type TopicPreview struct {
	Topics           []string       `json:"topics"`
	ManualTopicCount int            `json:"manual_topic_count"`
	PresetTopicCount int            `json:"preset_topic_count"`
	Builder          BuilderPreview `json:"builder"`
}

// TopicBuilder resolves the subscription topic set, caching discovery
// results until the refresh window elapses.
type TopicBuilder struct {
	cfg    Config
	client *Client
	now    func() time.Time

	mu          sync.Mutex
	cached      *BuilderPreview
	lastRefresh time.Time
}

func NewTopicBuilder(cfg Config, client *Client) *TopicBuilder {
	return &TopicBuilder{
		cfg:    cfg,
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Preview returns the merged, sorted topic set. refresh forces a new
// discovery pass even inside the cache window.
func (b *TopicBuilder) Preview(ctx context.Context, refresh bool) (TopicPreview, error) {
	manual := b.manualTopics()

	builder, err := b.presetTopics(ctx, refresh)
	if err != nil {
		return TopicPreview{}, err
	}

	merged := make(map[string]struct{}, len(manual)+len(builder.Topics))
	for _, topic := range manual {
		merged[topic] = struct{}{}
	}
	for _, topic := range builder.Topics {
		if topic != "" {
			merged[topic] = struct{}{}
		}
	}
	topics := make([]string, 0, len(merged))
	for topic := range merged {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	return TopicPreview{
		Topics:           topics,
		ManualTopicCount: len(manual),
		PresetTopicCount: len(builder.Topics),
		Builder:          builder,
	}, nil
}

func (b *TopicBuilder) manualTopics() []string {
	set := make(map[string]struct{})
	for _, topic := range b.cfg.SubscriptionTopics {
		if t := strings.TrimSpace(topic); t != "" {
			set[t] = struct{}{}
		}
	}
	for _, queueID := range b.cfg.QueueIDs {
		set[QueueTopic(queueID)] = struct{}{}
	}
	for _, userID := range b.cfg.UserIDs {
		set[UserTopic(userID)] = struct{}{}
	}
	topics := make([]string, 0, len(set))
	for topic := range set {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (b *TopicBuilder) presetTopics(ctx context.Context, refresh bool) (BuilderPreview, error) {
	mode := b.cfg.TopicBuilderMode
	switch mode {
	case "manual", "off", "none", "":
		return BuilderPreview{Mode: mode, Topics: []string{}, Queues: []QueueRef{}, Users: []UserRef{}}, nil
	}

	b.mu.Lock()
	if !refresh && b.cached != nil && b.now().Sub(b.lastRefresh) < b.cfg.TopicRefresh {
		cached := *b.cached
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	includeQueues := false
	includeUsers := false
	switch mode {
	case "queues", "queue":
		includeQueues = true
	case "users", "user":
		includeUsers = true
	case "queues_users", "users_queues", "all", "org":
		includeQueues = true
		includeUsers = true
	default:
		includeQueues = true
		includeUsers = true
	}

	topics := make(map[string]struct{})
	queues := []QueueRef{}
	users := []UserRef{}
	var err error

	if includeQueues {
		queues, err = b.discoverQueues(ctx)
		if err != nil {
			return BuilderPreview{}, err
		}
		for _, queue := range queues {
			topics[QueueTopic(queue.ID)] = struct{}{}
		}
	}
	if includeUsers {
		users, err = b.discoverUsers(ctx)
		if err != nil {
			return BuilderPreview{}, err
		}
		for _, user := range users {
			topics[UserTopic(user.ID)] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(topics))
	for topic := range topics {
		sorted = append(sorted, topic)
	}
	sort.Strings(sorted)

	preview := BuilderPreview{
		Mode:        mode,
		GeneratedAt: b.now().Format(time.RFC3339),
		Topics:      sorted,
		Queues:      queues,
		Users:       users,
	}

	b.mu.Lock()
	b.cached = &preview
	b.lastRefresh = b.now()
	b.mu.Unlock()

	b.client.log.Info().
		Str("mode", mode).
		Int("queues", len(queues)).
		Int("users", len(users)).
		Int("topics", len(sorted)).
		Msg("genesys topic builder refreshed")
	return preview, nil
}

type entityPage struct {
	Entities  []map[string]any `json:"entities"`
	PageCount int              `json:"pageCount"`
}

func (b *TopicBuilder) discoverQueues(ctx context.Context) ([]QueueRef, error) {
	if b.cfg.MaxQueues == 0 {
		return []QueueRef{}, nil
	}
	filters := lowerAll(b.cfg.QueueNameFilters)

	discovered := []QueueRef{}
	for page := 1; page <= discoveryPageCap; page++ {
		query := url.Values{
			"pageSize":   {fmt.Sprintf("%d", discoveryPageSize)},
			"pageNumber": {fmt.Sprintf("%d", page)},
		}
		var payload entityPage
		err := b.client.requestJSON(ctx, http.MethodGet,
			b.cfg.APIBaseURL+"/api/v2/routing/queues", requestOpts{query: query}, &payload)
		if err != nil {
			return nil, err
		}
		if len(payload.Entities) == 0 {
			break
		}

		for _, entity := range payload.Entities {
			queueID := strings.TrimSpace(stringOf(entity["id"]))
			name := strings.TrimSpace(stringOf(entity["name"]))
			if queueID == "" || name == "" {
				continue
			}
			if len(filters) > 0 && !matchesAny(strings.ToLower(name), filters) {
				continue
			}
			discovered = append(discovered, QueueRef{ID: queueID, Name: name})
			if b.cfg.MaxQueues > 0 && len(discovered) >= b.cfg.MaxQueues {
				return discovered, nil
			}
		}

		if payload.PageCount > 0 && page >= payload.PageCount {
			break
		}
		if len(payload.Entities) < discoveryPageSize {
			break
		}
	}
	return discovered, nil
}

func (b *TopicBuilder) discoverUsers(ctx context.Context) ([]UserRef, error) {
	if b.cfg.MaxUsers == 0 {
		return []UserRef{}, nil
	}
	nameFilters := lowerAll(b.cfg.UserNameFilters)
	domainFilters := make([]string, 0, len(b.cfg.EmailDomainFilters))
	for _, domain := range b.cfg.EmailDomainFilters {
		if d := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "@"); d != "" {
			domainFilters = append(domainFilters, d)
		}
	}

	discovered := []UserRef{}
	for page := 1; page <= discoveryPageCap; page++ {
		query := url.Values{
			"pageSize":   {fmt.Sprintf("%d", discoveryPageSize)},
			"pageNumber": {fmt.Sprintf("%d", page)},
			"state":      {"active"},
		}
		var payload entityPage
		err := b.client.requestJSON(ctx, http.MethodGet,
			b.cfg.APIBaseURL+"/api/v2/users", requestOpts{query: query}, &payload)
		if err != nil {
			return nil, err
		}
		if len(payload.Entities) == 0 {
			break
		}

		for _, entity := range payload.Entities {
			userID := strings.TrimSpace(stringOf(entity["id"]))
			name := strings.TrimSpace(stringOf(entity["name"]))
			email := strings.ToLower(strings.TrimSpace(stringOf(entity["email"])))
			if userID == "" {
				continue
			}
			if len(nameFilters) > 0 && !matchesAny(strings.ToLower(name), nameFilters) {
				continue
			}
			if len(domainFilters) > 0 && !matchesDomain(email, domainFilters) {
				continue
			}
			discovered = append(discovered, UserRef{ID: userID, Name: name, Email: email})
			if b.cfg.MaxUsers > 0 && len(discovered) >= b.cfg.MaxUsers {
				return discovered, nil
			}
		}

		if payload.PageCount > 0 && page >= payload.PageCount {
			break
		}
		if len(payload.Entities) < discoveryPageSize {
			break
		}
	}
	return discovered, nil
}

// QueueTopic builds the conversation-calls topic for a routing queue.
func QueueTopic(queueID string) string {
	return fmt.Sprintf("v2.routing.queues.%s.conversations.calls", strings.TrimSpace(queueID))
}

// UserTopic builds the conversation-calls topic for a user.
func UserTopic(userID string) string {
	return fmt.Sprintf("v2.users.%s.conversations.calls", strings.TrimSpace(userID))
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.ToLower(strings.TrimSpace(v)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func matchesAny(value string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(value, term) {
			return true
		}
	}
	return false
}

func matchesDomain(email string, domains []string) bool {
	for _, domain := range domains {
		if strings.HasSuffix(email, "@"+domain) {
			return true
		}
	}
	return false
}
