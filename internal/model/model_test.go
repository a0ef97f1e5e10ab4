package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoginKey_StringIsUnambiguous(t *testing.T) {
	tests := []struct {
		name string
		a, b LoginKey
	}{
		{
			name: "colon moves between login and source",
			a:    LoginKey{Identifier: "a:b", UserType: UserTypeCustomer, Source: "c"},
			b:    LoginKey{Identifier: "a", UserType: UserTypeCustomer, Source: "b:c"},
		},
		{
			name: "ipv6 sources",
			a:    LoginKey{Identifier: "farmer", UserType: UserTypeMember, Source: "2001:db8::1"},
			b:    LoginKey{Identifier: "farmer:2001", UserType: UserTypeMember, Source: "db8::1"},
		},
		{
			name: "quote inside login",
			a:    LoginKey{Identifier: `x":"y`, UserType: UserTypeCustomer, Source: "z"},
			b:    LoginKey{Identifier: "x", UserType: UserTypeCustomer, Source: `y":"z`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a.String(), tt.b.String())
		})
	}
}

func TestLoginKey_StringKeepsPrefix(t *testing.T) {
	k := LoginKey{Identifier: "ivan", UserType: UserTypeStaff, Source: "10.0.0.1"}
	assert.True(t, strings.HasPrefix(k.String(), "login:staff:"))
	assert.Equal(t, `login:staff:"ivan":"10.0.0.1"`, k.String())
}
