package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRole_IsValid(t *testing.T) {
	assert.True(t, RoleRider.IsValid())
	assert.True(t, RoleDriver.IsValid())
	assert.False(t, Role("admin").IsValid())
	assert.False(t, Role("").IsValid())
}

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr error
	}{
		{"valid rider", Profile{DisplayName: "Ana", Role: RoleRider}, nil},
		{"valid driver", Profile{DisplayName: "Luis", Phone: "809-555-0101", Role: RoleDriver}, nil},
		{"blank name", Profile{DisplayName: "  ", Role: RoleRider}, ErrInvalidUser},
		{"unknown role", Profile{DisplayName: "Ana", Role: "admin"}, ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
