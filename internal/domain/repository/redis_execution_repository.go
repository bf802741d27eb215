package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code_exec_service/internal/common"
	"code_exec_service/internal/domain/model"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	fieldID            = "execution_id"
	fieldOwnerID       = "owner_id"
	fieldCode          = "code"
	fieldLanguage      = "language"
	fieldInputData     = "input_data"
	fieldStatus        = "status"
	fieldOutput        = "output"
	fieldErrorOutput   = "error_output"
	fieldExecutionTime = "execution_time"
	fieldMemoryUsage   = "memory_usage"
	fieldCreatedAt     = "created_at"
	fieldUpdatedAt     = "updated_at"
	fieldCompletedAt   = "completed_at"
)

// KEYS[1] record hash, KEYS[2] change channel.
// ARGV[1] status ("" keeps the current one), ARGV[2] updated_at,
// ARGV[3] completed_at ("" when not terminal), ARGV[4] "1" to refuse terminal
// records, ARGV[5..] field/value pairs.
// Returns 0 when the record is missing, 2 when the update is refused, 1 otherwise.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local rank = {pending = 0, running = 1, completed = 2, error = 2}
if ARGV[4] == '1' and rank[redis.call('HGET', KEYS[1], 'status')] == 2 then
	return 2
end
local status = ARGV[1]
if status ~= '' then
	local current = redis.call('HGET', KEYS[1], 'status')
	if current and rank[current] and rank[status] < rank[current] then
		return 2
	end
	redis.call('HSET', KEYS[1], 'status', status)
else
	status = redis.call('HGET', KEYS[1], 'status') or ''
end
for i = 5, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
if ARGV[3] ~= '' and redis.call('HEXISTS', KEYS[1], 'completed_at') == 0 then
	redis.call('HSET', KEYS[1], 'completed_at', ARGV[3])
end
redis.call('PUBLISH', KEYS[2], status)
return 1
`)

// RedisExecutionRepository stores each execution as a hash with a TTL set on
// creation. Updates never refresh the TTL.
type RedisExecutionRepository struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisExecutionRepository(rdb *redis.Client, prefix string, ttl time.Duration) *RedisExecutionRepository {
	return &RedisExecutionRepository{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisExecutionRepository) key(id string) string {
	return r.prefix + "execution:" + id
}

func (r *RedisExecutionRepository) channel(id string) string {
	return r.prefix + "execution-events:" + id
}

func (r *RedisExecutionRepository) Put(ctx context.Context, exec *model.Execution) error {
	key := r.key(exec.ID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, toHash(exec))
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return common.Errorf("put execution %s: %v: %w", exec.ID, err, common.ErrStoreUnavailable)
	}
	return nil
}

func (r *RedisExecutionRepository) Get(ctx context.Context, id string) (*model.Execution, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, false, common.Errorf("get execution %s: %v: %w", id, err, common.ErrStoreUnavailable)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	exec, err := fromHash(fields)
	if err != nil {
		return nil, false, common.Errorf("decode execution %s: %w", id, err)
	}
	return exec, true, nil
}

func (r *RedisExecutionRepository) Update(ctx context.Context, id string, upd ExecutionUpdate) (UpdateResult, error) {
	if upd.Status != "" && !upd.Status.Valid() {
		return UpdateRejected, common.Errorf("status %q: %w", upd.Status, common.ErrInvalidTransition)
	}
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = time.Now().UTC()
	}

	completedAt := ""
	if upd.Status.Terminal() {
		completedAt = formatTime(upd.UpdatedAt)
	}

	onlyIfNotTerminal := "0"
	if upd.OnlyIfNotTerminal {
		onlyIfNotTerminal = "1"
	}

	args := []any{string(upd.Status), formatTime(upd.UpdatedAt), completedAt, onlyIfNotTerminal}
	args = appendField(args, fieldOutput, upd.Output)
	args = appendField(args, fieldErrorOutput, upd.ErrorOutput)
	args = appendField(args, fieldExecutionTime, upd.ExecutionTime)
	args = appendField(args, fieldMemoryUsage, upd.MemoryUsage)

	res, err := updateScript.Run(ctx, r.rdb, []string{r.key(id), r.channel(id)}, args...).Int()
	if err != nil {
		return UpdateMissing, common.Errorf("update execution %s: %v: %w", id, err, common.ErrStoreUnavailable)
	}

	switch res {
	case 0:
		log.Warn().Str("execution_id", id).Msg("update for unknown or expired execution ignored")
		return UpdateMissing, nil
	case 2:
		log.Warn().Str("execution_id", id).Str("status", string(upd.Status)).Bool("only_if_not_terminal", upd.OnlyIfNotTerminal).Msg("execution update refused")
		return UpdateRejected, nil
	default:
		return UpdateApplied, nil
	}
}

func (r *RedisExecutionRepository) Delete(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, r.key(id)).Err(); err != nil {
		return common.Errorf("delete execution %s: %v: %w", id, err, common.ErrStoreUnavailable)
	}
	return nil
}

func (r *RedisExecutionRepository) Changes(ctx context.Context, id string) (<-chan model.ExecutionStatus, error) {
	ps := r.rdb.Subscribe(ctx, r.channel(id))
	// Wait for the subscription confirmation so no publish is missed after return.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, common.Errorf("subscribe execution %s: %v: %w", id, err, common.ErrStoreUnavailable)
	}

	out := make(chan model.ExecutionStatus, 1)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- model.ExecutionStatus(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisExecutionRepository) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return common.Errorf("ping: %v: %w", err, common.ErrStoreUnavailable)
	}
	return nil
}

func appendField(args []any, name string, v *string) []any {
	if v == nil {
		return args
	}
	return append(args, name, *v)
}

func toHash(e *model.Execution) map[string]any {
	h := map[string]any{
		fieldID:            e.ID,
		fieldOwnerID:       e.OwnerID,
		fieldCode:          e.Code,
		fieldLanguage:      e.Language,
		fieldInputData:     e.InputData,
		fieldStatus:        string(e.Status),
		fieldOutput:        e.Output,
		fieldErrorOutput:   e.ErrorOutput,
		fieldExecutionTime: e.ExecutionTime,
		fieldMemoryUsage:   e.MemoryUsage,
		fieldCreatedAt:     formatTime(e.CreatedAt),
		fieldUpdatedAt:     formatTime(e.UpdatedAt),
	}
	if e.CompletedAt != nil {
		h[fieldCompletedAt] = formatTime(*e.CompletedAt)
	}
	return h
}

func fromHash(h map[string]string) (*model.Execution, error) {
	e := &model.Execution{
		ID:            h[fieldID],
		OwnerID:       h[fieldOwnerID],
		Code:          h[fieldCode],
		Language:      h[fieldLanguage],
		InputData:     h[fieldInputData],
		Status:        model.ExecutionStatus(h[fieldStatus]),
		Output:        h[fieldOutput],
		ErrorOutput:   h[fieldErrorOutput],
		ExecutionTime: h[fieldExecutionTime],
		MemoryUsage:   h[fieldMemoryUsage],
	}
	var err error
	if e.CreatedAt, err = parseTime(h[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(h[fieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	if v, ok := h[fieldCompletedAt]; ok && v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("completed_at: %w", err)
		}
		e.CompletedAt = &t
	}
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.New("malformed timestamp " + s)
	}
	return t, nil
}
