package utils

// HTTPStatus 定义HTTP状态码常量
type HTTPStatus int

// HTTP状态码常量定义
const (
	OK                              HTTPStatus = 200
	CREATED                         HTTPStatus = 201
	NO_CONTENT                      HTTPStatus = 204
	MOVED_PERMANENTLY               HTTPStatus = 301
	FOUND                           HTTPStatus = 302
	NOT_MODIFIED                    HTTPStatus = 304
	BAD_REQUEST                     HTTPStatus = 400
	FORBIDDEN                       HTTPStatus = 403
	NOT_FOUND                       HTTPStatus = 404
	METHOD_NOT_ALLOWED              HTTPStatus = 405
	REQUEST_TIMEOUT                 HTTPStatus = 408
	LENGTH_REQUIRED                 HTTPStatus = 411
	PAYLOAD_TOO_LARGE               HTTPStatus = 413
	REQUEST_URI_TOO_LONG            HTTPStatus = 414
	UNSUPPORTED_MEDIA_TYPE          HTTPStatus = 415
	REQUEST_HEADER_FIELDS_TOO_LARGE HTTPStatus = 431
	INTERNAL_SERVER_ERROR           HTTPStatus = 500
	NOT_IMPLEMENTED                 HTTPStatus = 501
	BAD_GATEWAY                     HTTPStatus = 502
	SERVICE_UNAVAILABLE             HTTPStatus = 503
	GATEWAY_TIMEOUT                 HTTPStatus = 504
	HTTP_VERSION_NOT_SUPPORTED      HTTPStatus = 505
)

// 状态码对应的短消息和长消息
var StatusMessages = map[HTTPStatus][]string{
	OK:                              {"OK", "Request fulfilled, document follows"},
	CREATED:                         {"Created", "Document created, URL follows"},
	NO_CONTENT:                      {"No Content", "Request fulfilled, nothing follows"},
	MOVED_PERMANENTLY:               {"Moved Permanently", "Object moved permanently"},
	FOUND:                           {"Found", "Object moved temporarily"},
	NOT_MODIFIED:                    {"Not Modified", "Document has not changed"},
	BAD_REQUEST:                     {"Bad Request", "Bad request syntax or unsupported method"},
	FORBIDDEN:                       {"Forbidden", "Request forbidden"},
	NOT_FOUND:                       {"Not Found", "Nothing matches the given URI"},
	METHOD_NOT_ALLOWED:              {"Method Not Allowed", "Specified method is invalid for this resource"},
	REQUEST_TIMEOUT:                 {"Request Timeout", "Request timed out"},
	LENGTH_REQUIRED:                 {"Length Required", "Client must specify Content-Length"},
	PAYLOAD_TOO_LARGE:               {"Payload Too Large", "Request body exceeds the configured limit"},
	REQUEST_URI_TOO_LONG:            {"Request-URI Too Long", "The URI provided was too long for the server to process"},
	UNSUPPORTED_MEDIA_TYPE:          {"Unsupported Media Type", "Entity body in unsupported format"},
	REQUEST_HEADER_FIELDS_TOO_LARGE: {"Request Header Fields Too Large", "The server refused this request because the request header fields are too large"},
	INTERNAL_SERVER_ERROR:           {"Internal Server Error", "Server got itself in trouble"},
	NOT_IMPLEMENTED:                 {"Not Implemented", "Server does not support this operation"},
	BAD_GATEWAY:                     {"Bad Gateway", "Invalid responses from another server/proxy"},
	SERVICE_UNAVAILABLE:             {"Service Unavailable", "The server cannot process the request due to a high load"},
	GATEWAY_TIMEOUT:                 {"Gateway Timeout", "The gateway script did not finish in time"},
	HTTP_VERSION_NOT_SUPPORTED:      {"HTTP Version Not Supported", "Cannot fulfill request"},
}

// Reason 返回状态码的短消息，未知状态码返回 "Unknown"
func Reason(code int) string {
	if msgs, ok := StatusMessages[HTTPStatus(code)]; ok {
		return msgs[0]
	}
	return "Unknown"
}

// Explain 返回状态码的长消息
func Explain(code int) string {
	if msgs, ok := StatusMessages[HTTPStatus(code)]; ok {
		return msgs[1]
	}
	return "Unknown"
}

// IsBodyless 204/304 以及 1xx 响应不带消息体
func IsBodyless(code int) bool {
	return code < 200 || code == int(NO_CONTENT) || code == int(NOT_MODIFIED)
}

// 默认错误消息模板
const DefaultErrorMessageFormat = `<!DOCTYPE HTML>
<html lang="en">
    <head>
        <meta charset="utf-8">
        <title>Error response :( </title>
    </head>
    <body>
        <h1>Error response</h1>
        <p>Error code: %d</p>
        <p>Message: %s.</p>
        <p>Error code explanation: %d - %s.</p>
    </body>
</html>
`

const DefaultErrorContentType = "text/html;charset=utf-8"
