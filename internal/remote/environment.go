package remote

import (
	"strings"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
)

// Environment names a deployment of the remote service.
type Environment string

// Known environments.
const (
	EnvTest Environment = "test"
	EnvDemo Environment = "demo"
	EnvProd Environment = "prod"
)

var baseURLs = map[Environment]string{
	EnvTest: "https://ksef-test.mf.gov.pl/api/v2",
	EnvDemo: "https://ksef-demo.mf.gov.pl/api/v2",
	EnvProd: "https://ksef.mf.gov.pl/api/v2",
}

// ParseEnvironment accepts an environment name case-insensitively.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := baseURLs[env]; !ok {
		return "", domain.ErrValidation.WithDetailsf("unknown environment %q (want test, demo or prod)", s)
	}
	return env, nil
}

// BaseURL returns the API root of env.
func (e Environment) BaseURL() string {
	return baseURLs[e]
}
