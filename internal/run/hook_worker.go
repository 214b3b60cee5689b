package run

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// hookWorker drains transcript jobs one at a time so a slow hook never
// blocks recognition delivery.
func (s *Server) hookWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.hookCh:
			fields := logrus.Fields{"window": job.Window.String(), "media": job.MediaRef}
			err := s.hook.Run(ctx, job)
			switch {
			case err == nil:
				s.logger.WithFields(fields).Debug("hook sent")
			case errors.Is(err, context.Canceled):
				return
			default:
				s.logger.WithFields(fields).WithError(err).Error("hook failed")
			}
		}
	}
}
