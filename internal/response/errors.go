package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation ErrCode = "VALIDATION_ERROR"
	ErrInvalidID  ErrCode = "INVALID_ID"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Attempt-specific ──────────────────────────────────────────────
	ErrAttemptNotFound     ErrCode = "ATTEMPT_NOT_FOUND"
	ErrAttemptCompleted    ErrCode = "ATTEMPT_COMPLETED"
	ErrAttemptInProgress   ErrCode = "ATTEMPT_IN_PROGRESS"
	ErrAttemptNotStarted   ErrCode = "ATTEMPT_NOT_STARTED"
	ErrNoAttemptsLeft      ErrCode = "NO_ATTEMPTS_LEFT"
	ErrQuestionNotInExam   ErrCode = "QUESTION_NOT_IN_EXAM"
	ErrAttemptExamMismatch ErrCode = "ATTEMPT_EXAM_MISMATCH"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."

	// ─── Attempt-specific ──────────────────────────────────────────────
	case ErrAttemptNotFound:
		return "Percobaan ujian tidak ditemukan."
	case ErrAttemptCompleted:
		return "Percobaan ujian ini sudah selesai."
	case ErrAttemptInProgress:
		return "Masih ada percobaan ujian yang sedang berjalan."
	case ErrAttemptNotStarted:
		return "Percobaan ujian belum dimulai."
	case ErrNoAttemptsLeft:
		return "Kesempatan mengerjakan ujian ini sudah habis."
	case ErrQuestionNotInExam:
		return "Pertanyaan tidak termasuk dalam ujian ini."
	case ErrAttemptExamMismatch:
		return "Percobaan ujian bukan milik ujian ini."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
