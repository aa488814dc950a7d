package cloudrun

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceNameFromRepo(t *testing.T) {
	tests := []struct {
		name    string
		repoURL string
		want    string
	}{
		{"https URL", "https://github.com/alice/flask-app", "flask-app"},
		{"trailing .git", "https://github.com/alice/flask-app.git", "flask-app"},
		{"trailing slash", "https://github.com/alice/my-api/", "my-api"},
		{"underscores become hyphens", "https://github.com/alice/my_cool_app", "my-cool-app"},
		{"uppercase lowered", "https://github.com/alice/MyApp", "myapp"},
		{"ssh URL", "git@github.com:alice/widget.git", "widget"},
		{"leading digit prefixed", "https://github.com/alice/2048-game", "app-2048-game"},
		{"special chars stripped", "https://github.com/alice/app!@#name", "appname"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ServiceNameFromRepo(tt.repoURL)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, ValidateServiceName(got))
		})
	}
}

func TestSanitizeServiceName_Length(t *testing.T) {
	got := SanitizeServiceName(strings.Repeat("a", 100))
	assert.Len(t, got, maxServiceNameLength)
	assert.NoError(t, ValidateServiceName(got))
}

func TestSanitizeServiceName_CollapsesSeparators(t *testing.T) {
	assert.Equal(t, "my-app", SanitizeServiceName("--my__..app--"))
}

func TestSanitizeServiceName_Empty(t *testing.T) {
	got := SanitizeServiceName("!!!")
	assert.Equal(t, "app", got)
	assert.NoError(t, ValidateServiceName(got))
}

func TestValidateServiceName(t *testing.T) {
	assert.NoError(t, ValidateServiceName("flask-app"))
	assert.Error(t, ValidateServiceName(""))
	assert.Error(t, ValidateServiceName("9app"))
	assert.Error(t, ValidateServiceName("App"))
	assert.Error(t, ValidateServiceName("app-"))
	assert.Error(t, ValidateServiceName("app_name"))
	assert.Error(t, ValidateServiceName(strings.Repeat("a", 64)))
}
