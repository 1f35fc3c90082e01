package outbox

const syncWindowImportedSchema = `{
  "type": "object",
  "title": "SyncWindowImported",
  "properties": {
    "user_id": {"type": "string"},
    "window_start": {"type": "string", "format": "date-time"},
    "window_end": {"type": "string", "format": "date-time"},
    "imported_days": {"type": "integer"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "window_start", "imported_days", "occurred_at"],
  "additionalProperties": false
}`

const syncBackfillCompletedSchema = `{
  "type": "object",
  "title": "SyncBackfillCompleted",
  "properties": {
    "user_id": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "occurred_at"],
  "additionalProperties": false
}`

const syncReauthRequiredSchema = `{
  "type": "object",
  "title": "SyncReauthRequired",
  "properties": {
    "user_id": {"type": "string"},
    "code": {"type": "string"},
    "message": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "occurred_at"],
  "additionalProperties": false
}`

var schemaCatalog = map[string]string{
	EventWindowImported:    syncWindowImportedSchema,
	EventBackfillCompleted: syncBackfillCompletedSchema,
	EventReauthRequired:    syncReauthRequiredSchema,
}
