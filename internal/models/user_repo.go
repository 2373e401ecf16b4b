package models

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/gotrue-go/types"
)

const ProfileTable = "profiles"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleGuest = "guest"
)

// Profile is the caller identity the booking core consumes: who the caller
// is and which role they hold.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	FullName  string    `json:"fullname"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type ProfileRepo interface {
	GetProfile(ctx context.Context, id uuid.UUID, accessToken string) (*Profile, error)
	RefreshToken(ctx context.Context, refreshToken string) (*types.TokenResponse, error)
}

func (su *SupabaseRepo) GetProfile(ctx context.Context, id uuid.UUID, accessToken string) (*Profile, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("invalid UUID")
	}

	client := su.supabaseClient
	if accessToken != "" {
		authClient, err := su.GetAuthenticatedClient(accessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to create authenticated client: %v", err)
		}
		client = authClient
	}

	raw, status, err := client.From(ProfileTable).
		Select("id,email,username,fullname,role,created_at", "", false).
		Eq("id", id.String()).
		Execute()
	if err != nil {
		if status != 0 {
			return nil, fmt.Errorf("postgrest error: status=%d body=%s err=%v", status, string(raw), err)
		}
		return nil, fmt.Errorf("failed to get profile by ID: %v", err)
	}

	// Supabase returns an array even for single results
	var profiles []Profile
	if err := json.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile rows: %v", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, id)
	}
	if len(profiles) > 1 {
		return nil, fmt.Errorf("multiple profiles found for ID %s", id)
	}

	return &profiles[0], nil
}

func (su *SupabaseRepo) RefreshToken(ctx context.Context, refreshToken string) (*types.TokenResponse, error) {
	resp, err := su.supabaseClient.Auth.RefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %v", err)
	}
	return resp, nil
}
