package outbox

const activityEventUpdatedSchema = `{
  "type": "object",
  "title": "ActivityEventUpdated",
  "properties": {
    "app_id": {"type": "string"},
    "study_id": {"type": "string"},
    "user_id": {"type": "string"},
    "event_id": {"type": "string"},
    "timestamp": {"type": "string", "format": "date-time"}
  },
  "required": ["app_id", "study_id", "user_id", "event_id", "timestamp"],
  "additionalProperties": false
}`

const adherenceRecordSchema = `{
  "type": "object",
  "title": "AdherenceRecord",
  "properties": {
    "app_id": {"type": "string"},
    "study_id": {"type": "string"},
    "user_id": {"type": "string"},
    "instance_guid": {"type": "string"},
    "event_timestamp": {"type": "string", "format": "date-time"},
    "record_type": {"type": "string", "enum": ["session", "assessment"]},
    "session_guid": {"type": "string"},
    "assessment_guid": {"type": "string"},
    "time_window_guid": {"type": "string"},
    "started_on": {"type": "string", "format": "date-time"},
    "finished_on": {"type": "string", "format": "date-time"},
    "declined": {"type": "boolean"},
    "client_time_zone": {"type": "string"},
    "client_data": {},
    "upload_ids": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["app_id", "study_id", "user_id", "instance_guid", "event_timestamp"],
  "additionalProperties": false
}`
