package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stewardmcp/steward/internal/observability"
	"github.com/stewardmcp/steward/internal/tracing"
	"github.com/stewardmcp/steward/pkg/mcp"
)

const tracerName = "steward.agent"

const (
	// defaultMaxTurns bounds the tool loop to prevent runaways.
	defaultMaxTurns = 20

	// Profile cooldown after repeated failures grows exponentially from
	// cooldownBase up to cooldownMax.
	cooldownBase = 30 * time.Second
	cooldownMax  = 10 * time.Minute
)

// Dispatcher is the slice of the server registry the agent needs: the fleet
// listing and the supervised dispatch path.
type Dispatcher interface {
	List() []string
	Tools(ctx context.Context, id string) ([]mcp.ToolInfo, error)
	CallTool(ctx context.Context, serverID, tool string, args map[string]interface{}) (*mcp.ToolResult, error)
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// Config configures the runner.
type Config struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	MaxTurns     int
	AuthProfiles []AuthProfile

	// ProviderFactory overrides the default factory, mainly for tests.
	ProviderFactory ProviderCreator
}

// Runner drives the conversation loop against the tool-provider fleet.
type Runner struct {
	cfg        Config
	dispatcher Dispatcher
	factory    ProviderCreator
	logger     zerolog.Logger

	authMu   sync.RWMutex
	profiles []AuthProfile
}

// NewRunner creates a runner. At least one auth profile is required.
func NewRunner(cfg Config, dispatcher Dispatcher, logger zerolog.Logger) (*Runner, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}

	factory := cfg.ProviderFactory
	if factory == nil {
		factory = &ProviderFactory{}
	}

	profiles := make([]AuthProfile, len(cfg.AuthProfiles))
	copy(profiles, cfg.AuthProfiles)

	return &Runner{
		cfg:        cfg,
		dispatcher: dispatcher,
		factory:    factory,
		logger:     logger,
		profiles:   profiles,
	}, nil
}

// toolRef maps a belt name back to its server and tool.
type toolRef struct {
	serverID string
	tool     string
}

// toolBelt collects the tools of every reachable server into one belt. The
// belt name carries the server id so results route back unambiguously; the
// ref map is authoritative, the name is only a label.
func (r *Runner) toolBelt(ctx context.Context) ([]ToolSpec, map[string]toolRef) {
	var specs []ToolSpec
	refs := make(map[string]toolRef)

	for _, id := range r.dispatcher.List() {
		tools, err := r.dispatcher.Tools(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Str("server", id).Msg("Skipping server tools")
			continue
		}
		for _, tool := range tools {
			name := fmt.Sprintf("mcp_%s_%s", id, tool.Name)
			schema := tool.InputSchema
			if schema == nil {
				schema = map[string]interface{}{"type": "object"}
			}
			specs = append(specs, ToolSpec{
				Name:        name,
				Description: tool.Description,
				InputSchema: schema,
			})
			refs[name] = toolRef{serverID: id, tool: tool.Name}
		}
	}
	return specs, refs
}

// Run executes one prompt through the conversation loop. History carries
// prior turns; the returned result includes the grown message list so the
// caller can thread it into the next Run.
func (r *Runner) Run(ctx context.Context, prompt string, history []Message) (*RunResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("model", r.cfg.Model),
	)
	defer span.End()

	belt, refs := r.toolBelt(ctx)

	messages := append([]Message{}, history...)
	messages = append(messages, Message{Role: "user", Content: prompt})

	usage := &TokenUsage{}
	var allToolCalls []ToolCall

	for turn := 0; turn < r.cfg.MaxTurns; turn++ {
		select {
		case <-ctx.Done():
			return &RunResult{Messages: messages, Aborted: true}, nil
		default:
		}

		response, err := r.callWithFailover(ctx, LLMRequest{
			Model:        r.cfg.Model,
			Messages:     messages,
			Tools:        belt,
			Temperature:  r.cfg.Temperature,
			MaxTokens:    r.cfg.MaxTokens,
			SystemPrompt: r.cfg.SystemPrompt,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		if response.Usage != nil {
			usage.InputTokens += response.Usage.InputTokens
			usage.OutputTokens += response.Usage.OutputTokens
		}

		if len(response.ToolCalls) == 0 {
			messages = append(messages, Message{Role: "assistant", Content: response.Content})
			return &RunResult{
				Response:  response.Content,
				Messages:  messages,
				ToolCalls: allToolCalls,
				Usage:     usage,
			}, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})
		allToolCalls = append(allToolCalls, response.ToolCalls...)

		for _, call := range response.ToolCalls {
			messages = append(messages, r.executeToolCall(ctx, call, refs))
		}
	}

	return nil, fmt.Errorf("conversation exceeded %d turns without completing", r.cfg.MaxTurns)
}

// executeToolCall routes one model-requested call through the registry and
// renders the outcome as a tool message. Dispatch errors come back to the
// model as text so it can adjust instead of killing the run.
func (r *Runner) executeToolCall(ctx context.Context, call ToolCall, refs map[string]toolRef) Message {
	ref, ok := refs[call.Name]
	if !ok {
		return Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Error: unknown tool %q", call.Name),
		}
	}

	r.logger.Info().
		Str("server", ref.serverID).
		Str("tool", ref.tool).
		Msg("Agent tool call")

	result, err := r.dispatcher.CallTool(ctx, ref.serverID, ref.tool, call.Parameters)
	if err != nil {
		return Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Error: %v", err),
		}
	}
	if !result.Success {
		return Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Tool error: %s", result.Error),
		}
	}

	return Message{
		Role:       "tool",
		ToolCallID: call.ID,
		Content:    renderOutput(result.Output),
	}
}

func renderOutput(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// callWithFailover walks the auth profiles in priority order, skipping any
// in cooldown, until one produces a response.
func (r *Runner) callWithFailover(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.profiles))
	copy(profiles, r.profiles)
	r.authMu.RUnlock()

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	var lastErr error
	for _, profile := range profiles {
		start := time.Now()

		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			r.logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		observability.SetProviderCooldown(profile.Provider, false)

		provider, err := r.factory.NewProvider(profile)
		if err != nil {
			r.logger.Warn().Err(err).Str("profileId", profile.ID).Msg("Failed to create provider")
			continue
		}

		response, err := provider.Call(ctx, request)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			observability.RecordAgentRun(profile.Provider, time.Since(start), true)
			return response, nil
		}

		lastErr = err
		observability.RecordAgentRun(profile.Provider, time.Since(start), false)
		r.logger.Warn().Err(err).Str("profileId", profile.ID).Msg("Auth profile failed")
		r.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no auth profile available (all in cooldown)")
	}
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (r *Runner) updateProfileSuccess(id string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	for i := range r.profiles {
		if r.profiles[i].ID == id {
			r.profiles[i].FailureCount = 0
			r.profiles[i].CooldownUntil = nil
			return
		}
	}
}

func (r *Runner) updateProfileFailure(id string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	for i := range r.profiles {
		if r.profiles[i].ID != id {
			continue
		}
		r.profiles[i].FailureCount++

		cooldown := cooldownBase
		for n := 1; n < r.profiles[i].FailureCount; n++ {
			cooldown *= 2
			if cooldown >= cooldownMax {
				cooldown = cooldownMax
				break
			}
		}
		until := time.Now().Add(cooldown).UnixMilli()
		r.profiles[i].CooldownUntil = &until

		r.logger.Warn().
			Str("profileId", id).
			Int("failures", r.profiles[i].FailureCount).
			Dur("cooldown", cooldown).
			Msg("Profile placed in cooldown")
		return
	}
}

// Profiles returns a snapshot of the auth profiles with cooldown state.
func (r *Runner) Profiles() []AuthProfile {
	r.authMu.RLock()
	defer r.authMu.RUnlock()
	out := make([]AuthProfile, len(r.profiles))
	copy(out, r.profiles)
	return out
}
