// Package replies holds the static texts crewbot can always send without I/O.
package replies

import "github.com/cloo-solutions/crewbot/internal/domain"

const menu = `Hi! Here's what I can help with:
1. Jobs – create, schedule and close out jobs
2. Tasks – assign, track and complete tasks
3. Timeclock – clock in/out, breaks and timesheets
Reply with a question like "how do I clock in" or "assign a task".`

const jobsGuide = `Jobs quick guide:
• Tap Jobs › + to create a job, then add the customer and site address.
• Use Schedule to pick a date and assign crew members.
• Open a job to add notes, photos, quotes or invoices.
• Mark the job Complete when the work is done.`

const tasksGuide = `Tasks quick guide:
• Open a job and tap Tasks › + to add a task.
• Assign it to a teammate and set a due date.
• Use checklists to break a task into steps.
• Swipe a task to mark it done.`

const timeclockGuide = `Timeclock quick guide:
• Tap Clock In on the home screen when your shift starts.
• Use Start Break / End Break for breaks.
• Tap Clock Out when you finish.
• Review your hours under Timesheets; ask your manager to fix mistakes.`

const acknowledgement = `Thanks, we got your message. We're working on it and will follow up shortly. Reply "help" to see what I can do.`

var guides = map[domain.Topic]string{
	domain.TopicJobs:      jobsGuide,
	domain.TopicTasks:     tasksGuide,
	domain.TopicTimeclock: timeclockGuide,
}

// Fallback returns the canned guide for topic. TopicNone and unknown topics get
// the timeclock guide, the feature crews ask about most.
func Fallback(topic domain.Topic) string {
	if guide, ok := guides[topic]; ok {
		return guide
	}
	return timeclockGuide
}

// Menu is the generic help menu.
func Menu() string {
	return menu
}

// Acknowledgement is sent when the real answer misses the reply window.
func Acknowledgement() string {
	return acknowledgement
}
