//go:build !linux

package fork

import "go.uber.org/zap"

func setAffinity(cpu int, logger *zap.Logger) error {
	logger.Info("Architecture support for CPU affinity not implemented")
	return nil
}
