package commands

import (
	"fmt"

	"github.com/edgenet6/coapstack/internal/config"
	"github.com/edgenet6/coapstack/internal/link"
	"github.com/edgenet6/coapstack/internal/session"
)

// runOneShot builds the link driver and stack for sc and runs a single
// request carrying payload, overriding sc.RequestCode with requestCode.
// There is no coapstackd instance behind this call, so no metrics
// collector or status registry is wired in.
func runOneShot(cfg *config.Config, sc config.SessionConfig, requestCode string, payload []byte) (session.Result, error) {
	sc.RequestCode = requestCode

	driver, closeDriver, err := link.Build(cfg.Link)
	if err != nil {
		return session.Result{}, fmt.Errorf("build link driver: %w", err)
	}
	defer func() { _ = closeDriver() }()

	stack, err := session.Build(driver, sc, nil)
	if err != nil {
		return session.Result{}, fmt.Errorf("build session %q: %w", sc.Name, err)
	}

	result, err := session.RunExchange(sc.Name, cfg.Link.Driver, stack, payload, int(sc.RetryLimit), nil, nil)
	if err != nil {
		return result, fmt.Errorf("exchange on session %q: %w", sc.Name, err)
	}
	return result, nil
}
