package masterdata

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// RepositoryPort abstracts master data reads.
type RepositoryPort interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetBranch(ctx context.Context, id int64) (Branch, error)
	HasProduct(ctx context.Context, branchID, productID int64) (bool, error)
	ManagerCodeHash(ctx context.Context, branchID int64) (string, error)
}

// Service exposes the collaborator contracts the inventory engine consumes.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// GetProduct resolves one product.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// GetBranch resolves one branch.
func (s *Service) GetBranch(ctx context.Context, id int64) (Branch, error) {
	return s.repo.GetBranch(ctx, id)
}

// HasProduct reports whether a branch carries a product.
func (s *Service) HasProduct(ctx context.Context, branchID, productID int64) (bool, error) {
	return s.repo.HasProduct(ctx, branchID, productID)
}

// VerifyManagerCode checks a branch override code against the stored hash.
// A wrong code is a negative answer, not an error.
func (s *Service) VerifyManagerCode(ctx context.Context, branchID int64, code string) (bool, error) {
	hash, err := s.repo.ManagerCodeHash(ctx, branchID)
	if err != nil {
		return false, err
	}
	if hash == "" {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)); err != nil {
		return false, nil
	}
	return true, nil
}
