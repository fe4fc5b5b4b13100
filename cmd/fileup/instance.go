// instance.go — имя экземпляра для логов, /api/v1/info и topologymetrics.
package main

import (
	"os"
	"regexp"
	"strings"
)

var (
	// podSuffix — суффиксы ReplicaSet и пода Deployment: -<hash>-<5 символов>
	podSuffix = regexp.MustCompile(`-[a-z0-9]{6,10}-[a-z0-9]{5}$`)
	// ordinalSuffix — порядковый номер пода StatefulSet
	ordinalSuffix = regexp.MustCompile(`-[0-9]+$`)
)

// instanceName возвращает configured, если он задан, иначе имя владельца
// пода, полученное из hostname.
func instanceName(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "fileup"
	}
	return parseOwnerName(host)
}

// parseOwnerName отрезает от hostname суффиксы Deployment или StatefulSet.
// Если суффиксов нет, hostname возвращается как есть.
func parseOwnerName(hostname string) string {
	if loc := podSuffix.FindStringIndex(hostname); loc != nil && loc[0] > 0 {
		return hostname[:loc[0]]
	}
	if loc := ordinalSuffix.FindStringIndex(hostname); loc != nil && loc[0] > 0 {
		return hostname[:loc[0]]
	}
	return strings.TrimSpace(hostname)
}
