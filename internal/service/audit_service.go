package service

import (
	"context"

	"example.com/egressgen/internal/repo"
)

type AuditService struct {
	Repo repo.AuditRepo
}

func (s AuditService) Log(ctx context.Context, rec repo.Run) error {
	return s.Repo.Write(ctx, rec)
}
