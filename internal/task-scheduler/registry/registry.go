package registry

import (
	"fmt"
	"sync"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/task-scheduler/remote"
	"task-orchestrator/pkg/validation"
)

const DefaultBranch = "master"

// Service describes how to stage and drive one branch of a service on a resource.
// Command paths are relative to the task directory.
type Service struct {
	Name       string
	Branch     string
	Repo       string
	StartCmd   string
	StatusCmd  string
	StopCmd    string
	Legacy     bool
	ResultFile string

	params  *validation.Validator
	results *validation.Validator
}

// ValidateConfig checks a task's config.json against the service's parameter schema.
func (s *Service) ValidateConfig(doc []byte) error {
	return s.params.Validate(doc)
}

// ValidateResult checks a loaded product document against the service's result schema.
func (s *Service) ValidateResult(doc []byte) error {
	return s.results.Validate(doc)
}

// ResultFiles lists the result file names probed after a run, in order.
func (s *Service) ResultFiles() []string {
	if s.ResultFile != "" {
		return []string{s.ResultFile}
	}
	return []string{remote.DefaultResult, remote.AlternateResult}
}

type key struct{ name, branch string }

// Registry maps (service, branch) to a Service.
type Registry struct {
	mu       sync.RWMutex
	services map[key]*Service
}

func New() *Registry {
	return &Registry{services: make(map[key]*Service)}
}

// FromConfig builds a registry from the configured service list.
func FromConfig(entries []config.ServiceConfig) (*Registry, error) {
	r := New()
	for _, e := range entries {
		svc := &Service{
			Name: e.Name, Branch: e.Branch, Repo: e.Repo,
			StartCmd: e.StartCmd, StatusCmd: e.StatusCmd, StopCmd: e.StopCmd,
			Legacy: e.Legacy, ResultFile: e.ResultFile,
		}
		if err := svc.compile(e.ParamSchema, e.ResultSchema); err != nil {
			return nil, fmt.Errorf("service %s/%s: %w", e.Name, e.Branch, err)
		}
		r.Register(svc)
	}
	return r, nil
}

func (s *Service) compile(paramSchema, resultSchema string) error {
	var err error
	if s.params, err = validation.Compile(paramSchema); err != nil {
		return fmt.Errorf("param schema: %w", err)
	}
	if s.results, err = validation.Compile(resultSchema); err != nil {
		return fmt.Errorf("result schema: %w", err)
	}
	return nil
}

func (r *Registry) Register(svc *Service) {
	if svc.Branch == "" {
		svc.Branch = DefaultBranch
	}
	hlog.Debugf("Registry: registering service %s/%s", svc.Name, svc.Branch)
	r.mu.Lock()
	r.services[key{svc.Name, svc.Branch}] = svc
	r.mu.Unlock()
}

// Get returns the service for (name, branch). An empty branch means the default branch.
func (r *Registry) Get(name, branch string) (*Service, error) {
	if branch == "" {
		branch = DefaultBranch
	}
	r.mu.RLock()
	svc, ok := r.services[key{name, branch}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no service registered for %s/%s", name, branch)
	}
	return svc, nil
}
