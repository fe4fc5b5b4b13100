// Тесты имени экземпляра: извлечение имени владельца пода из hostname.
package main

import "testing"

func TestParseOwnerName(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		want     string
	}{
		{
			name:     "Deployment",
			hostname: "fileup-7d8f9b6c4f-x2k9z",
			want:     "fileup",
		},
		{
			name:     "Deployment с длинным именем",
			hostname: "fileup-public-eu-01-5fbcd8d7b9-k4m2j",
			want:     "fileup-public-eu-01",
		},
		{
			name:     "StatefulSet — ordinal 0",
			hostname: "fileup-0",
			want:     "fileup",
		},
		{
			name:     "StatefulSet — ordinal 42",
			hostname: "fileup-42",
			want:     "fileup",
		},
		{
			name:     "Fallback — простое имя",
			hostname: "my-app",
			want:     "my-app",
		},
		{
			name:     "Fallback — localhost",
			hostname: "localhost",
			want:     "localhost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOwnerName(tt.hostname)
			if got != tt.want {
				t.Errorf("parseOwnerName(%q) = %q, want %q", tt.hostname, got, tt.want)
			}
		})
	}
}

func TestInstanceName_Configured(t *testing.T) {
	if got := instanceName("fileup-eu"); got != "fileup-eu" {
		t.Errorf("instanceName: ожидалось fileup-eu, получено %q", got)
	}
	if got := instanceName(""); got == "" {
		t.Error("instanceName без настройки не должен быть пустым")
	}
}
