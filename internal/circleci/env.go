package circleci

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// RunInfo identifies the current pipeline run.
type RunInfo struct {
	Commit          string `env:"CIRCLE_SHA1"`
	WorkflowID      string `env:"CIRCLE_WORKFLOW_ID"`
	BuildNum        int64  `env:"CIRCLE_BUILD_NUM"`
	Branch          string `env:"CIRCLE_BRANCH"`
	Username        string `env:"CIRCLE_USERNAME"`
	ProjectUsername string `env:"CIRCLE_PROJECT_USERNAME"`
	ProjectRepo     string `env:"CIRCLE_PROJECT_REPONAME"`
	JobName         string `env:"CIRCLE_JOB"`
}

// LoadRunInfo reads RunInfo from the process environment.
func LoadRunInfo() (RunInfo, error) {
	var info RunInfo
	if err := env.Parse(&info); err != nil {
		return RunInfo{}, fmt.Errorf("parse circleci environment: %w", err)
	}
	return info, nil
}

// ParseRunInfo reads RunInfo from an explicit environment map.
func ParseRunInfo(environ map[string]string) (RunInfo, error) {
	var info RunInfo
	if err := env.ParseWithOptions(&info, env.Options{Environment: environ}); err != nil {
		return RunInfo{}, fmt.Errorf("parse circleci environment: %w", err)
	}
	return info, nil
}

// OnCI reports whether the process runs inside a CircleCI workflow.
func (r RunInfo) OnCI() bool {
	return r.WorkflowID != ""
}

// ProjectSlug returns the API v2 project slug, or "" when unknown.
func (r RunInfo) ProjectSlug() string {
	if r.ProjectUsername == "" || r.ProjectRepo == "" {
		return ""
	}
	return "gh/" + r.ProjectUsername + "/" + r.ProjectRepo
}
