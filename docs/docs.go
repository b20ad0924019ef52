// Package docs registers the OpenAPI document served under /swagger.
// Regenerate with: swag init -g cmd/api/main.go
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/v1/evaluations": {
            "post": {
                "description": "Enqueues an evaluation. Exactly one of text or audioUrl is required. Resubmitting a requestId returns the existing submission.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["evaluations"],
                "summary": "Submit a response for evaluation",
                "parameters": [
                    {
                        "description": "evaluation request",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/httptransport.submitDTO"}
                    }
                ],
                "responses": {
                    "200": {"description": "requestId already submitted", "schema": {"$ref": "#/definitions/httptransport.submitResp"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/httptransport.submitResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/v1/evaluations/stream": {
            "get": {
                "description": "Server-Sent Events. Emits progress, tip and chip frames, then exactly one complete or error frame before closing.",
                "produces": ["text/event-stream"],
                "tags": ["evaluations"],
                "summary": "Stream evaluation progress",
                "parameters": [
                    {"type": "string", "description": "job id", "name": "jobId", "in": "query"},
                    {"type": "string", "description": "request id", "name": "requestId", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/stream.Frame"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/v1/evaluations/{submissionId}": {
            "get": {
                "description": "Reconciles queue state with the result store. A job evicted from the queue is still reported as completed when its result is stored.",
                "produces": ["application/json"],
                "tags": ["evaluations"],
                "summary": "Get evaluation status",
                "parameters": [
                    {"type": "string", "description": "submission id (== job id)", "name": "submissionId", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/entity.EvaluationStatus"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/v1/webhooks/evaluations": {
            "post": {
                "description": "Authenticated by the X-Webhook-Secret header. Completed payloads are upserted into the result store; redelivery is safe.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["webhooks"],
                "summary": "Receive an evaluation webhook",
                "parameters": [
                    {"type": "string", "description": "shared secret", "name": "X-Webhook-Secret", "in": "header", "required": true},
                    {
                        "description": "delivery",
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/entity.WebhookPayload"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.webhookAck"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "entity.EvaluationResult": {
            "type": "object",
            "required": ["jobId", "requestId"],
            "properties": {
                "durationMs": {"type": "integer", "minimum": 0},
                "feedback": {"type": "string"},
                "jobId": {"type": "string", "maxLength": 128},
                "practiceRule": {"type": "string"},
                "requestId": {"type": "string", "maxLength": 128},
                "score": {"type": "integer", "maximum": 100, "minimum": 0},
                "tokensUsed": {"type": "integer", "minimum": 0},
                "whatChanged": {"type": "string"}
            }
        },
        "entity.JobError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "entity.EvaluationStatus": {
            "type": "object",
            "properties": {
                "createdAt": {"type": "string"},
                "error": {"$ref": "#/definitions/entity.JobError"},
                "progress": {"type": "integer"},
                "requestId": {"type": "string"},
                "result": {"$ref": "#/definitions/entity.EvaluationResult"},
                "status": {"type": "string", "enum": ["queued", "processing", "completed", "failed"]},
                "submissionId": {"type": "string"}
            }
        },
        "entity.WebhookPayload": {
            "type": "object",
            "required": ["jobId", "requestId", "status"],
            "properties": {
                "error": {"$ref": "#/definitions/entity.JobError"},
                "jobId": {"type": "string"},
                "poll_after_ms": {"type": "integer"},
                "requestId": {"type": "string"},
                "result": {"$ref": "#/definitions/entity.EvaluationResult"},
                "status": {"type": "string", "enum": ["queued", "processing", "completed", "failed"]}
            }
        },
        "httptransport.apiError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "httptransport.submitDTO": {
            "type": "object",
            "properties": {
                "audioUrl": {"type": "string"},
                "callbackUrl": {"type": "string"},
                "requestId": {"type": "string"},
                "text": {"type": "string"}
            }
        },
        "httptransport.submitResp": {
            "type": "object",
            "properties": {
                "poll_after_ms": {"type": "integer"},
                "requestId": {"type": "string"},
                "status": {"type": "string"},
                "submissionId": {"type": "string"}
            }
        },
        "httptransport.webhookAck": {
            "type": "object",
            "properties": {
                "ok": {"type": "boolean"}
            }
        },
        "stream.Frame": {
            "type": "object",
            "properties": {
                "data": {},
                "timestamp": {"type": "integer"},
                "type": {"type": "string", "enum": ["progress", "tip", "chip", "complete", "error"]}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Evaluation Service API",
	Description:      "Asynchronous evaluation of interview responses.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
