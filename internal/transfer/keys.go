package transfer

import "fmt"

// Key shapes for the request-line state. Everything is scoped either
// to the session (pending requests) or to the rid (one live transfer).

func pendingFilesKey(sessionID string) string {
	return fmt.Sprintf("file.reqs:%s", sessionID)
}

func pendingRequestersKey(sessionID, filename string) string {
	return fmt.Sprintf("file.reqs:%s:%s", sessionID, filename)
}

func pendingKeyKey(sessionID, filename, userID string) string {
	return fmt.Sprintf("file.req:%s:%s:%s", sessionID, filename, userID)
}

func usersKey(requestID string) string {
	return fmt.Sprintf("file.req.users:%s", requestID)
}

func receiverQueueKey(userID string) string {
	return fmt.Sprintf("file.reqs.receiver:%s", userID)
}

func senderQueueKey(userID string) string {
	return fmt.Sprintf("file.reqs.sender:%s", userID)
}

func prepKey(requestID string) string {
	return fmt.Sprintf("file.req.prep:%s", requestID)
}

func chunkCurrKey(requestID string) string {
	return fmt.Sprintf("chunk.curr:%s", requestID)
}

func chunkReqKey(requestID string) string {
	return fmt.Sprintf("chunk.req:%s", requestID)
}

func chunkKey(requestID string) string {
	return fmt.Sprintf("chunk:%s", requestID)
}

func chunkSentKey(requestID string) string {
	return fmt.Sprintf("chunk.sent:%s", requestID)
}

func chunkIsLastKey(requestID string) string {
	return fmt.Sprintf("chunk.is.last:%s", requestID)
}
