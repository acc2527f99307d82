package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-loot/config"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

// implicitDeploymentID names deployments that run without a deployment file.
const implicitDeploymentID = "klingnet-loot"

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadDeployment reads the deployment file. Without one, the node runs an
// empty deployment administered by the configured addresses.
func loadDeployment(cfg *config.Config) (*config.Deployment, error) {
	path := expandHome(cfg.DeploymentFile())
	dep, err := config.LoadDeployment(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && cfg.Loot.Deployment == "":
		dep = &config.Deployment{
			ID:          implicitDeploymentID,
			Granularity: cfg.Loot.Granularity,
			Admins:      cfg.Admin.Addresses,
		}
	default:
		return nil, fmt.Errorf("load deployment %s: %w", path, err)
	}
	if err := dep.Validate(); err != nil {
		return nil, fmt.Errorf("deployment %s: %w", path, err)
	}
	return dep, nil
}

// mergeAdmins returns the deployment admins followed by any extra
// configured addresses, without duplicates.
func mergeAdmins(dep *config.Deployment, extra []string) ([]types.Address, error) {
	addrs, err := dep.AdminAddresses()
	if err != nil {
		return nil, err
	}
	seen := make(map[types.Address]struct{}, len(addrs)+len(extra))
	out := make([]types.Address, 0, len(addrs)+len(extra))
	for _, a := range addrs {
		if _, dup := seen[a]; !dup {
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	for _, s := range extra {
		a, err := types.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("admin address %q: %w", s, err)
		}
		if _, dup := seen[a]; !dup {
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out, nil
}

// openDB opens the configured storage engine.
func openDB(cfg *config.Config) (storage.DB, error) {
	if cfg.DB.Engine == config.EngineMemory {
		return storage.NewMemory(), nil
	}
	db, err := storage.NewBadger(cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
	}
	return db, nil
}
