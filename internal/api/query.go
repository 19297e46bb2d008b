package api

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/task"
)

// parseListQuery 把查询参数转换为任务列表过滤条件。
func parseListQuery(values url.Values) ([]task.ListOption, error) {
	var opts []task.ListOption

	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, invalidParam("limit", raw)
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, invalidParam("offset", raw)
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := values.Get("status"); raw != "" {
		statuses, err := task.ParseStatuses(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if values.Has("sort") || values.Has("order") {
		field, err := task.ParseSortField(values.Get("sort"))
		if err != nil {
			return nil, err
		}
		var ascending bool
		switch strings.ToLower(values.Get("order")) {
		case "", "desc":
		case "asc":
			ascending = true
		default:
			return nil, invalidParam("order", values.Get("order"))
		}
		opts = append(opts, task.WithSort(field, ascending))
	}
	if raw := values.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, invalidParam("has_result", raw)
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	updated, err := parseWindow(values, "updated_since", "updated_until")
	if err != nil {
		return nil, err
	}
	created, err := parseWindow(values, "created_since", "created_until")
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		task.WithUpdatedBetween(updated[0], updated[1]),
		task.WithCreatedBetween(created[0], created[1]),
	)
	if q := strings.TrimSpace(values.Get("q")); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts, nil
}

// parseWindow 读取一对 Unix 秒参数，缺省的一端为零值。
func parseWindow(values url.Values, fromKey, toKey string) ([2]time.Time, error) {
	var out [2]time.Time
	for i, key := range []string{fromKey, toKey} {
		raw := values.Get(key)
		if raw == "" {
			continue
		}
		ts, err := parseUnix(raw)
		if err != nil {
			return out, invalidParam(key, raw)
		}
		out[i] = ts
	}
	return out, nil
}

func parseUnix(raw string) (time.Time, error) {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

func invalidParam(name, value string) error {
	return xerrors.New(task.CodeTaskValidation, "参数 "+name+" 不合法",
		xerrors.WithMetadata("param", name),
		xerrors.WithMetadata("value", value),
	)
}
