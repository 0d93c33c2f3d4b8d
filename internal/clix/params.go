package clix

import (
	"fmt"

	"photoflow/internal/models"

	"github.com/spf13/pflag"
)

type PaginationParams struct {
	Limit  int
	Offset int
}

func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}

// ParseStatus reads the optional --status flag.
func ParseStatus(flags *pflag.FlagSet) (models.TaskStatus, error) {
	raw, _ := flags.GetString("status")
	if raw == "" {
		return "", nil
	}
	status := models.TaskStatus(raw)
	if !status.Valid() {
		return "", fmt.Errorf("invalid status %q (use one of %v)", raw, models.AllStatuses)
	}
	return status, nil
}
