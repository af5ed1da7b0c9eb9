package store

// Named selectors over the analytics schema. The performance layer treats
// these as opaque: it never parses them, only executes them through the
// prepared-statement registry and keys latency stats by their IDs.

// Query identifiers used for prepared-statement reuse and latency stats.
const (
	QueryConversationByID      = "conversation_by_id"
	QueryMessagesByConvo       = "messages_by_conversation"
	QueryRecentConversations   = "recent_conversations"
	QueryAnalyticsSummary      = "recent_analytics_summary"
	QueryGapUrgencyMatrix      = "knowledge_gap_urgency_matrix"
	QueryProductivityTrend     = "productivity_trend_analysis"
	QueryDecisionEffectiveness = "decision_effectiveness_overview"
)

// SQL carries the statement text for each query identifier.
var SQL = map[string]string{
	QueryConversationByID: `
		SELECT id, title, created_at, updated_at, metadata
		FROM conversations
		WHERE id = $1`,

	QueryMessagesByConvo: `
		SELECT id, conversation_id, role, content, created_at, metadata
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC`,

	QueryRecentConversations: `
		SELECT id, title, created_at, updated_at, metadata
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT $1`,

	QueryAnalyticsSummary: `
		SELECT * FROM v_recent_analytics_summary
		WHERE summary_date >= $1`,

	QueryGapUrgencyMatrix: `
		SELECT * FROM v_knowledge_gap_urgency_matrix
		ORDER BY urgency DESC
		LIMIT $1`,

	QueryProductivityTrend: `
		SELECT * FROM v_productivity_trend_analysis
		WHERE trend_week >= $1`,

	QueryDecisionEffectiveness: `
		SELECT * FROM v_decision_effectiveness_overview
		LIMIT $1`,
}
