package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/supabase-community/gotrue-go/types"
)

// ProfileService resolves caller identity and role from the identity
// provider.
type ProfileService struct {
	profileRepo models.ProfileRepo
}

func NewProfileService(profileRepo models.ProfileRepo) *ProfileService {
	return &ProfileService{
		profileRepo: profileRepo,
	}
}

func (ps *ProfileService) GetProfile(ctx context.Context, id uuid.UUID, accessToken string) (*models.Profile, error) {
	res, err := ps.profileRepo.GetProfile(ctx, id, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return res, nil
}

func (ps *ProfileService) RefreshToken(ctx context.Context, refreshToken string) (*types.TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	response, err := ps.profileRepo.RefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %v", err)
	}
	return response, nil
}
