package jobs

import (
	"context"
	"encoding/json"
	"strings"

	"chronos/internal/domain"
	"chronos/internal/storage"
	logx "chronos/pkg/logx"
)

// FunctionService manages stored sandbox functions.
type FunctionService struct {
	repo storage.Repository
	log  logx.Logger
}

func NewFunctionService(repo storage.Repository, log logx.Logger) *FunctionService {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FunctionService{repo: repo, log: log}
}

func (s *FunctionService) Create(ctx context.Context, in FunctionInput) (domain.Function, error) {
	if in.Code == nil || strings.TrimSpace(*in.Code) == "" {
		return domain.Function{}, domain.Invalid("code", "code is required")
	}
	rt, err := domain.ResolveRuntime(deref(in.Runtime))
	if err != nil {
		return domain.Function{}, err
	}
	if err := validLimits(in.Limits); err != nil {
		return domain.Function{}, err
	}
	fn, err := s.repo.CreateFunction(ctx, domain.Function{
		Name:      strings.TrimSpace(deref(in.Name)),
		Code:      *in.Code,
		Runtime:   rt,
		Version:   1,
		Checksum:  domain.Checksum(*in.Code),
		Limits:    in.Limits,
		State:     json.RawMessage(`{}`),
		ChannelID: strings.TrimSpace(deref(in.ChannelID)),
	})
	if err != nil {
		return domain.Function{}, err
	}
	s.log.Info("function created", logx.String("function", fn.ID), logx.String("checksum", fn.Checksum[:12]))
	return fn, nil
}

func (s *FunctionService) Get(ctx context.Context, id string) (domain.Function, error) {
	return s.repo.GetFunction(ctx, id)
}

// Update bumps the version when the code changes. State is kept.
func (s *FunctionService) Update(ctx context.Context, id string, in FunctionInput) (domain.Function, error) {
	if in.Code != nil && strings.TrimSpace(*in.Code) == "" {
		return domain.Function{}, domain.Invalid("code", "code must not be empty")
	}
	p := domain.FunctionPatch{Name: in.Name, Code: in.Code, Limits: in.Limits, ChannelID: in.ChannelID}
	if in.Runtime != nil {
		rt, err := domain.ResolveRuntime(*in.Runtime)
		if err != nil {
			return domain.Function{}, err
		}
		p.Runtime = &rt
	}
	if err := validLimits(in.Limits); err != nil {
		return domain.Function{}, err
	}
	fn, err := s.repo.UpdateFunction(ctx, id, p)
	if err != nil {
		return domain.Function{}, err
	}
	s.log.Info("function updated", logx.String("function", fn.ID), logx.Int("version", fn.Version))
	return fn, nil
}

func (s *FunctionService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteFunction(ctx, id); err != nil {
		return err
	}
	s.log.Info("function deleted", logx.String("function", id))
	return nil
}

func validLimits(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.Invalid("limits", "limits must be a JSON object")
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
